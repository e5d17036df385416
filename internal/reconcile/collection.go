package reconcile

import (
	"sort"

	"github.com/agentworkforce/schoolsync/internal/records"
)

// The merge functions below never modify their input. A changed collection is
// always a fresh slice so published snapshots stay immutable; an unchanged
// collection is returned as-is with changed=false.

func indexOf(items []records.Record, id int64) (int, bool) {
	i := sort.Search(len(items), func(i int) bool { return items[i].ID >= id })
	return i, i < len(items) && items[i].ID == id
}

// insertRecord adds r at its sorted position unless its id is already present.
func insertRecord(items []records.Record, r records.Record) ([]records.Record, bool) {
	i, found := indexOf(items, r.ID)
	if found {
		return items, false
	}
	out := make([]records.Record, 0, len(items)+1)
	out = append(out, items[:i]...)
	out = append(out, r)
	out = append(out, items[i:]...)
	return out, true
}

// replaceRecord swaps the record with r.ID in place; absent ids are ignored.
func replaceRecord(items []records.Record, r records.Record) ([]records.Record, bool) {
	i, found := indexOf(items, r.ID)
	if !found || items[i] == r {
		return items, false
	}
	out := make([]records.Record, len(items))
	copy(out, items)
	out[i] = r
	return out, true
}

func removeRecord(items []records.Record, id int64) ([]records.Record, bool) {
	i, found := indexOf(items, id)
	if !found {
		return items, false
	}
	out := make([]records.Record, 0, len(items)-1)
	out = append(out, items[:i]...)
	out = append(out, items[i+1:]...)
	return out, true
}

// mergeRecords inserts every row whose id is not yet present.
func mergeRecords(items []records.Record, rows []records.Record) ([]records.Record, bool) {
	changed := false
	for _, row := range rows {
		var ok bool
		items, ok = insertRecord(items, row)
		changed = changed || ok
	}
	return items, changed
}

// normalize returns rows sorted by id with later duplicates dropped.
func normalize(rows []records.Record) []records.Record {
	out := make([]records.Record, 0, len(rows))
	seen := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		if _, dup := seen[row.ID]; dup {
			continue
		}
		seen[row.ID] = struct{}{}
		out = append(out, row)
	}
	records.SortByID(out)
	return out
}

// applyEvent merges one change event.
func applyEvent(items []records.Record, event records.ChangeEvent) ([]records.Record, bool) {
	switch event.Kind {
	case records.Created:
		return insertRecord(items, *event.Record)
	case records.Updated:
		return replaceRecord(items, *event.Record)
	case records.Deleted:
		return removeRecord(items, event.Key.ID)
	default:
		return items, false
	}
}
