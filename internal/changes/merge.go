// Package changes coalesces pending table edits before they are sent upstream.
package changes

import (
	"greenbudget/internal/core"
)

// MergeRowChanges folds changes into one record per row, in the order rows were
// first seen. For each field the latest newValue wins and the oldValue of the
// first record that touched the field is kept, so the merged record is still a
// correct before/after delta. Merging is associative.
func MergeRowChanges(changes []core.Change) []core.Change {
	index := make(map[core.RowID]int, len(changes))
	merged := make([]core.Change, 0, len(changes))
	for _, c := range changes {
		i, ok := index[c.ID]
		if !ok {
			i = len(merged)
			index[c.ID] = i
			merged = append(merged, core.Change{ID: c.ID, Data: make(map[string]core.FieldChange, len(c.Data))})
		}
		data := merged[i].Data
		for field, fc := range c.Data {
			if prev, seen := data[field]; seen {
				fc.OldValue = prev.OldValue
			}
			data[field] = fc
		}
	}
	return merged
}

// Partition splits merged changes into edits of confirmed rows and edits of
// placeholder rows, keeping their relative order.
func Partition(changes []core.Change) (confirmed, placeholders []core.Change) {
	for _, c := range changes {
		if c.ID.IsPlaceholder() {
			placeholders = append(placeholders, c)
			continue
		}
		confirmed = append(confirmed, c)
	}
	return confirmed, placeholders
}

// Apply replays changes onto a row, newest value per field, without merging first.
func Apply[M interface{ WithPatch(core.Patch) (M, error) }](row M, changes ...core.Change) (M, error) {
	for _, c := range changes {
		next, err := row.WithPatch(c.Patch())
		if err != nil {
			return row, err
		}
		row = next
	}
	return row, nil
}
