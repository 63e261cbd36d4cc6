package progress

import "time"

// Mutation computes the next snapshot from the current one at the given
// instant. It reports false when nothing changed. Mutations never modify
// their input.
type Mutation func(current Snapshot, now time.Time) (Snapshot, bool)

// MarkCompleted returns a mutation that completes a section.
func MarkCompleted(sectionID string) Mutation {
	return func(current Snapshot, now time.Time) (Snapshot, bool) {
		entry := current[sectionID]
		if entry.Status == StatusCompleted {
			return current, false
		}
		next := current.Clone()
		entry.Status = StatusCompleted
		entry.StatusUpdatedAt = now
		next[sectionID] = entry
		return next, true
	}
}

// MarkUnread returns a mutation that resets a section to available while
// keeping its bookmark and bookmark timestamp.
func MarkUnread(sectionID string) Mutation {
	return func(current Snapshot, now time.Time) (Snapshot, bool) {
		entry, ok := current[sectionID]
		if !ok {
			return current, false
		}
		next := current.Clone()
		if !entry.Bookmarked {
			delete(next, sectionID)
			return next, true
		}
		if entry.Status == StatusAvailable {
			return current, false
		}
		entry.Status = StatusAvailable
		entry.StatusUpdatedAt = now
		next[sectionID] = entry
		return next, true
	}
}

// ToggleBookmark returns a mutation that flips the bookmark of a section.
// Removing the last bookmark of a default-status section removes the entry.
func ToggleBookmark(sectionID string) Mutation {
	return func(current Snapshot, now time.Time) (Snapshot, bool) {
		entry, ok := current[sectionID]
		next := current.Clone()
		if ok && entry.Bookmarked && (entry.Status == "" || entry.Status == StatusAvailable) {
			delete(next, sectionID)
			return next, true
		}
		if entry.Status == "" {
			entry.Status = StatusAvailable
		}
		entry.Bookmarked = !entry.Bookmarked
		entry.BookmarkUpdatedAt = now
		next[sectionID] = entry
		return next, true
	}
}

// ResetAll returns a mutation that sets every section back to available
// while preserving bookmarks.
func ResetAll() Mutation {
	return func(current Snapshot, now time.Time) (Snapshot, bool) {
		changed := false
		next := make(Snapshot, len(current))
		for sectionID, entry := range current {
			if entry.Status == "" || entry.Status == StatusAvailable {
				next[sectionID] = entry
				continue
			}
			changed = true
			if !entry.Bookmarked {
				continue
			}
			entry.Status = StatusAvailable
			entry.StatusUpdatedAt = now
			next[sectionID] = entry
		}
		if !changed {
			return current, false
		}
		return next, true
	}
}
