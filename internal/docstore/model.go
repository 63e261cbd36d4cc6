// Package docstore is the per-user remote document store: one progress
// document and one notes collection per user, with live subscriptions.
package docstore

// ProgressDocument stores the serialized progress snapshot of one user.
type ProgressDocument struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	SchemaVersion    int    `gorm:"column:schema_version;not null;default:0"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProgressDocument) TableName() string {
	return "progress_documents"
}

// NoteDocument stores one note of one user. Timestamps are kept in
// nanoseconds so the client instants survive the round trip.
type NoteDocument struct {
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_note_documents_user_updated,priority:1"`
	NoteID         string `gorm:"column:note_id;primaryKey;size:190;not null"`
	SectionID      string `gorm:"column:section_id;size:190;not null"`
	Content        string `gorm:"column:content;type:text;not null"`
	CreatedAtNanos int64  `gorm:"column:created_at_ns;not null"`
	UpdatedAtNanos int64  `gorm:"column:updated_at_ns;not null;index:idx_note_documents_user_updated,priority:2"`
	Version        int64  `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (NoteDocument) TableName() string {
	return "note_documents"
}
