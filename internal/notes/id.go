package notes

import "github.com/google/uuid"

// IDProvider issues identifiers for new notes.
type IDProvider interface {
	NewID() (NoteID, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers,
// which are time-ordered with a random suffix.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (NoteID, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return NoteID(value.String()), nil
}
