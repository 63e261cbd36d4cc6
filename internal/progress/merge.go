package progress

// Merge reconciles a local and a remote snapshot field by field.
//
// Entries present on one side only are taken unchanged. For entries present
// on both sides, status and bookmark are resolved independently: the side
// with the later field timestamp wins and the local side wins ties. The
// result may combine the status of one side with the bookmark of the other.
// Combined entries that end up in the default state are dropped.
func Merge(local, remote Snapshot) Snapshot {
	merged := make(Snapshot, len(local)+len(remote))
	for sectionID, localEntry := range local {
		remoteEntry, ok := remote[sectionID]
		if !ok {
			merged[sectionID] = localEntry
			continue
		}
		if entry := mergeEntry(localEntry, remoteEntry); !entry.IsDefault() {
			merged[sectionID] = entry
		}
	}
	for sectionID, remoteEntry := range remote {
		if _, ok := local[sectionID]; !ok {
			merged[sectionID] = remoteEntry
		}
	}
	return merged
}

func mergeEntry(local, remote Entry) Entry {
	var merged Entry

	if !local.StatusUpdatedAt.Before(remote.StatusUpdatedAt) {
		merged.Status = local.Status
		merged.StatusUpdatedAt = local.StatusUpdatedAt
	} else {
		merged.Status = remote.Status
		merged.StatusUpdatedAt = remote.StatusUpdatedAt
	}

	if !local.BookmarkUpdatedAt.Before(remote.BookmarkUpdatedAt) {
		merged.Bookmarked = local.Bookmarked
		merged.BookmarkUpdatedAt = local.BookmarkUpdatedAt
	} else {
		merged.Bookmarked = remote.Bookmarked
		merged.BookmarkUpdatedAt = remote.BookmarkUpdatedAt
	}

	return merged
}
