package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CurrentSchemaVersion is the entry shape written by EncodeSnapshot.
//
//	v0: {status, bookmarked?, completedAt?}        no usable timestamps
//	v1: {status, bookmarked?, updatedAt}           one shared timestamp
//	v2: {v, status, statusUpdatedAt, bookmarked?, bookmarkUpdatedAt?}
const CurrentSchemaVersion = 2

// ErrInvalidSnapshot indicates that a serialized snapshot could not be decoded.
var ErrInvalidSnapshot = errors.New("progress: invalid snapshot")

// WireTime decodes timestamps leniently: RFC 3339 strings, unix
// milliseconds, or anything else as the zero time.
type WireTime struct {
	time.Time
}

// NewWireTime wraps a time for serialization; zero times yield nil.
func NewWireTime(value time.Time) *WireTime {
	if value.IsZero() {
		return nil
	}
	return &WireTime{Time: value.UTC()}
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *WireTime) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		var raw string
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil
		}
		t.Time = parsed.UTC()
		return nil
	}
	var millis float64
	if err := json.Unmarshal(trimmed, &millis); err == nil && millis > 0 {
		t.Time = time.UnixMilli(int64(millis)).UTC()
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t WireTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

func (t *WireTime) value() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.Time
}

// WireEntry is the persisted shape of an entry across every schema version.
type WireEntry struct {
	Version           int       `json:"v,omitempty"`
	Status            Status    `json:"status"`
	StatusUpdatedAt   *WireTime `json:"statusUpdatedAt,omitempty"`
	Bookmarked        *bool     `json:"bookmarked,omitempty"`
	BookmarkUpdatedAt *WireTime `json:"bookmarkUpdatedAt,omitempty"`
	UpdatedAt         *WireTime `json:"updatedAt,omitempty"`
	CompletedAt       *WireTime `json:"completedAt,omitempty"`
}

// SchemaVersion infers the schema version of a persisted entry.
func (w WireEntry) SchemaVersion() int {
	switch {
	case w.Version > 0:
		return w.Version
	case w.StatusUpdatedAt != nil || w.BookmarkUpdatedAt != nil:
		return CurrentSchemaVersion
	case w.UpdatedAt != nil:
		return 1
	default:
		return 0
	}
}

// Upgrade converts a persisted entry of any schema version into an Entry.
// Missing field timestamps fall back to the legacy updatedAt and then to
// the zero time.
func Upgrade(wire WireEntry) Entry {
	legacy := wire.UpdatedAt.value()

	status := wire.Status
	if status == "" {
		status = StatusAvailable
	}
	statusUpdatedAt := wire.StatusUpdatedAt.value()
	if statusUpdatedAt.IsZero() {
		statusUpdatedAt = legacy
	}
	bookmarkUpdatedAt := wire.BookmarkUpdatedAt.value()
	if bookmarkUpdatedAt.IsZero() {
		bookmarkUpdatedAt = legacy
	}

	return Entry{
		Status:            status,
		StatusUpdatedAt:   statusUpdatedAt,
		Bookmarked:        wire.Bookmarked != nil && *wire.Bookmarked,
		BookmarkUpdatedAt: bookmarkUpdatedAt,
	}
}

// Downgrade converts an Entry into the current persisted shape.
func Downgrade(entry Entry) WireEntry {
	wire := WireEntry{
		Version:         CurrentSchemaVersion,
		Status:          entry.Status,
		StatusUpdatedAt: NewWireTime(entry.StatusUpdatedAt),
	}
	if wire.Status == "" {
		wire.Status = StatusAvailable
	}
	if entry.Bookmarked || !entry.BookmarkUpdatedAt.IsZero() {
		bookmarked := entry.Bookmarked
		wire.Bookmarked = &bookmarked
		wire.BookmarkUpdatedAt = NewWireTime(entry.BookmarkUpdatedAt)
	}
	return wire
}

// DecodeSnapshot parses a serialized snapshot, upgrading every entry.
// Empty input decodes to an empty snapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	snapshot, _, err := Inspect(data)
	return snapshot, err
}

// Inspect decodes a serialized snapshot and also reports the lowest schema
// version found among its entries. Default entries are dropped.
func Inspect(data []byte) (Snapshot, int, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Snapshot{}, CurrentSchemaVersion, nil
	}
	var wire map[string]*WireEntry
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	lowest := CurrentSchemaVersion
	snapshot := make(Snapshot, len(wire))
	for sectionID, entry := range wire {
		if entry == nil || sectionID == "" {
			continue
		}
		if version := entry.SchemaVersion(); version < lowest {
			lowest = version
		}
		upgraded := Upgrade(*entry)
		if upgraded.IsDefault() {
			continue
		}
		snapshot[sectionID] = upgraded
	}
	return snapshot, lowest, nil
}

// EncodeSnapshot serializes a snapshot in the current schema version.
func EncodeSnapshot(snapshot Snapshot) ([]byte, error) {
	wire := make(map[string]WireEntry, len(snapshot))
	for sectionID, entry := range snapshot {
		wire[sectionID] = Downgrade(entry)
	}
	return json.Marshal(wire)
}
