package apply

import (
	"sort"

	"github.com/tandemsync/tandem/internal/dialect"
)

// tableOrder computes a parent-first application order over the batch's
// tables from the store's foreign-key edges. Edges to tables outside the
// batch and self-references are ignored. When a cycle remains, it is broken
// at the table with the fewest inbound edges, ties by name, so the order is
// deterministic.
func tableOrder(tables []string, fks []dialect.ForeignKey) []string {
	inSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		inSet[t] = true
	}

	parents := make(map[string]map[string]bool, len(tables))
	children := make(map[string]map[string]bool, len(tables))
	for _, fk := range fks {
		if !inSet[fk.Table] || !inSet[fk.ParentTable] || fk.Table == fk.ParentTable {
			continue
		}
		if parents[fk.Table] == nil {
			parents[fk.Table] = make(map[string]bool)
		}
		parents[fk.Table][fk.ParentTable] = true
		if children[fk.ParentTable] == nil {
			children[fk.ParentTable] = make(map[string]bool)
		}
		children[fk.ParentTable][fk.Table] = true
	}

	remaining := append([]string(nil), tables...)
	sort.Strings(remaining)

	order := make([]string, 0, len(remaining))
	for len(remaining) > 0 {
		pick := -1
		for i, t := range remaining {
			if len(parents[t]) == 0 {
				pick = i
				break
			}
		}
		if pick < 0 {
			// Cycle: treat the least-depended-on table as a root.
			pick = 0
			for i := 1; i < len(remaining); i++ {
				if len(parents[remaining[i]]) < len(parents[remaining[pick]]) {
					pick = i
				}
			}
		}

		t := remaining[pick]
		order = append(order, t)
		remaining = append(remaining[:pick], remaining[pick+1:]...)
		for c := range children[t] {
			delete(parents[c], t)
		}
	}
	return order
}
