// Package notes models reader notes attached to sections of the text.
package notes

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// MaxBatchSize bounds the notes accepted by one batch write.
const MaxBatchSize = 500

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidSectionID indicates that a note references an empty section.
	ErrInvalidSectionID = errors.New("notes: invalid section id")
	// ErrInvalidCollection indicates that a serialized collection could not be decoded.
	ErrInvalidCollection = errors.New("notes: invalid collection")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// Note is a free-form markdown note attached to one section.
type Note struct {
	ID        NoteID    `json:"id"`
	SectionID string    `json:"sectionId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the identifiers of a note.
func (n Note) Validate() error {
	if _, err := NewNoteID(n.ID.String()); err != nil {
		return err
	}
	if strings.TrimSpace(n.SectionID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSectionID)
	}
	return nil
}

// Collection maps note identifiers to notes.
type Collection map[NoteID]Note

// FromList builds a collection keyed by note id. Later duplicates win.
func FromList(list []Note) Collection {
	collection := make(Collection, len(list))
	for _, note := range list {
		collection[note.ID] = note
	}
	return collection
}

// Clone returns an independent copy of the collection.
func (c Collection) Clone() Collection {
	cloned := make(Collection, len(c))
	for id, note := range c {
		cloned[id] = note
	}
	return cloned
}

// Get returns the note with the given id.
func (c Collection) Get(id NoteID) (Note, bool) {
	note, ok := c[id]
	return note, ok
}

// List returns every note, most recently updated first.
func (c Collection) List() []Note {
	list := make([]Note, 0, len(c))
	for _, note := range c {
		list = append(list, note)
	}
	sortNewestFirst(list)
	return list
}

// ListBySection returns the notes of one section, most recently updated first.
func (c Collection) ListBySection(sectionID string) []Note {
	var list []Note
	for _, note := range c {
		if note.SectionID == sectionID {
			list = append(list, note)
		}
	}
	sortNewestFirst(list)
	return list
}

func sortNewestFirst(list []Note) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// Equal reports whether two collections hold the same notes.
func Equal(left, right Collection) bool {
	if len(left) != len(right) {
		return false
	}
	for id, leftNote := range left {
		rightNote, ok := right[id]
		if !ok {
			return false
		}
		if leftNote.SectionID != rightNote.SectionID || leftNote.Content != rightNote.Content {
			return false
		}
		if !leftNote.CreatedAt.Equal(rightNote.CreatedAt) || !leftNote.UpdatedAt.Equal(rightNote.UpdatedAt) {
			return false
		}
	}
	return true
}

// DecodeCollection parses a serialized note-id to note mapping. Entries
// whose key disagrees with the embedded id are keyed by the map key.
func DecodeCollection(data []byte) (Collection, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Collection{}, nil
	}
	var raw map[string]*Note
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCollection, err)
	}
	collection := make(Collection, len(raw))
	for key, note := range raw {
		if note == nil {
			continue
		}
		id, err := NewNoteID(key)
		if err != nil {
			continue
		}
		decoded := *note
		decoded.ID = id
		collection[id] = decoded
	}
	return collection, nil
}

// EncodeCollection serializes the collection as a note-id to note mapping
// with RFC 3339 timestamps.
func EncodeCollection(collection Collection) ([]byte, error) {
	raw := make(map[string]Note, len(collection))
	for id, note := range collection {
		note.ID = id
		note.CreatedAt = note.CreatedAt.UTC()
		note.UpdatedAt = note.UpdatedAt.UTC()
		raw[id.String()] = note
	}
	return json.Marshal(raw)
}
