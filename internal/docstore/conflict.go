package docstore

import (
	"time"

	"github.com/MarcoPoloResearchLab/lamrim/internal/notes"
)

// resolveNoteWrite decides whether an incoming note replaces the stored
// one. Later UpdatedAt wins; equal instants accept the incoming write.
func resolveNoteWrite(existing *NoteDocument, userID string, incoming notes.Note, appliedAt time.Time) (NoteDocument, bool) {
	incomingUpdated := incoming.UpdatedAt.UnixNano()
	if incoming.UpdatedAt.IsZero() {
		incomingUpdated = appliedAt.UnixNano()
	}

	if existing != nil && incomingUpdated < existing.UpdatedAtNanos {
		return *existing, false
	}

	updated := NoteDocument{
		UserID:         userID,
		NoteID:         incoming.ID.String(),
		SectionID:      incoming.SectionID,
		Content:        incoming.Content,
		CreatedAtNanos: incoming.CreatedAt.UnixNano(),
		UpdatedAtNanos: incomingUpdated,
		Version:        1,
	}
	if incoming.CreatedAt.IsZero() {
		updated.CreatedAtNanos = incomingUpdated
	}
	if existing != nil {
		if existing.CreatedAtNanos > 0 && existing.CreatedAtNanos < updated.CreatedAtNanos {
			updated.CreatedAtNanos = existing.CreatedAtNanos
		}
		updated.Version = existing.Version + 1
		if updated.Version <= 0 {
			updated.Version = 1
		}
	}
	if updated.UpdatedAtNanos < updated.CreatedAtNanos {
		updated.CreatedAtNanos = updated.UpdatedAtNanos
	}
	return updated, true
}

func (d NoteDocument) toNote() notes.Note {
	return notes.Note{
		ID:        notes.NoteID(d.NoteID),
		SectionID: d.SectionID,
		Content:   d.Content,
		CreatedAt: time.Unix(0, d.CreatedAtNanos).UTC(),
		UpdatedAt: time.Unix(0, d.UpdatedAtNanos).UTC(),
	}
}
