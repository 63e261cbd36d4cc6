// Package progress models per-section reading progress and reconciles
// snapshots edited on different devices.
package progress

import (
	"sort"
	"time"
)

// Status enumerates the reading state of a section.
type Status string

const (
	// StatusAvailable is the default state of every section.
	StatusAvailable Status = "available"
	// StatusCompleted marks a section the reader finished.
	StatusCompleted Status = "completed"
	// StatusLocked is reserved; nothing transitions into it.
	StatusLocked Status = "locked"
	// StatusReading is reserved; nothing transitions into it.
	StatusReading Status = "reading"
)

// Entry is the progress record of a single section. Status and bookmark
// carry independent timestamps so edits to different fields on different
// devices never overwrite each other.
type Entry struct {
	Status            Status
	StatusUpdatedAt   time.Time
	Bookmarked        bool
	BookmarkUpdatedAt time.Time
}

// IsDefault reports whether the entry carries no information beyond the
// default state. Default entries are never stored.
func (e Entry) IsDefault() bool {
	return (e.Status == "" || e.Status == StatusAvailable) && !e.Bookmarked
}

// Snapshot maps section identifiers to their progress entries.
type Snapshot map[string]Entry

// Clone returns an independent copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	cloned := make(Snapshot, len(s))
	for sectionID, entry := range s {
		cloned[sectionID] = entry
	}
	return cloned
}

// StatusOf returns the status of a section, defaulting to available.
func (s Snapshot) StatusOf(sectionID string) Status {
	entry, ok := s[sectionID]
	if !ok || entry.Status == "" {
		return StatusAvailable
	}
	return entry.Status
}

// IsBookmarked reports whether the section is bookmarked.
func (s Snapshot) IsBookmarked(sectionID string) bool {
	return s[sectionID].Bookmarked
}

// CompletedCount returns the number of completed sections.
func (s Snapshot) CompletedCount() int {
	count := 0
	for _, entry := range s {
		if entry.Status == StatusCompleted {
			count++
		}
	}
	return count
}

// Bookmarks returns the bookmarked section identifiers in lexical order.
func (s Snapshot) Bookmarks() []string {
	var sectionIDs []string
	for sectionID, entry := range s {
		if entry.Bookmarked {
			sectionIDs = append(sectionIDs, sectionID)
		}
	}
	sort.Strings(sectionIDs)
	return sectionIDs
}

// Equal reports whether two snapshots hold the same entries with the same instants.
func Equal(left, right Snapshot) bool {
	if len(left) != len(right) {
		return false
	}
	for sectionID, leftEntry := range left {
		rightEntry, ok := right[sectionID]
		if !ok {
			return false
		}
		if leftEntry.Status != rightEntry.Status || leftEntry.Bookmarked != rightEntry.Bookmarked {
			return false
		}
		if !leftEntry.StatusUpdatedAt.Equal(rightEntry.StatusUpdatedAt) {
			return false
		}
		if !leftEntry.BookmarkUpdatedAt.Equal(rightEntry.BookmarkUpdatedAt) {
			return false
		}
	}
	return true
}
