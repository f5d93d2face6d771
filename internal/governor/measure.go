package governor

import (
	"crypto/sha256"

	"github.com/google/btree"

	"github.com/arm64hv/core/internal/registry"
)

// measureEntry is the btree element backing one guest's page-
// measurement table (spec.md §3), ordered by physical address per
// invariant I4.
type measureEntry struct {
	registry.Measurement
}

// Less implements btree.Item, ordering by physical address — the
// sortedness invariant I4 requires.
func (e measureEntry) Less(than btree.Item) bool {
	return e.Paddr < than.(measureEntry).Paddr
}

// measurementTable wraps a btree.BTree keyed by physical address,
// replacing the original's hand-rolled sorted array + bsearch/qsort
// pair (spec.md §4.H) with an ecosystem B-tree built for exactly this
// access pattern: sorted iteration plus O(log n) point lookup and
// insert.
type measurementTable struct {
	tree *btree.BTree
	cap  int
}

func newMeasurementTable(capacity int) *measurementTable {
	return &measurementTable{tree: btree.New(8), cap: capacity}
}

func (m *measurementTable) lookup(paddr uint64) (registry.Measurement, bool) {
	item := m.tree.Get(measureEntry{registry.Measurement{Paddr: paddr}})
	if item == nil {
		return registry.Measurement{}, false
	}
	return item.(measureEntry).Measurement, true
}

// insert records a measurement, failing with false if the table is at
// capacity and paddr is not already present (an update to an existing
// entry never grows the table).
func (m *measurementTable) insert(meas registry.Measurement) bool {
	_, existed := m.lookup(meas.Paddr)
	if !existed && m.tree.Len() >= m.cap {
		return false
	}
	m.tree.ReplaceOrInsert(measureEntry{meas})
	return true
}

// forget implements the supplemented free_range_info (SPEC_FULL.md item
// 4): the original zeroes a measurement entry's digest and owner
// in place rather than removing the slot, so a later insert at the same
// physical address reuses it without resizing. A B-tree has no fixed
// slots to preserve, so forget simply deletes the entry — the
// observable behavior (the entry no longer matches on lookup) is
// identical.
func (m *measurementTable) forget(paddr uint64) {
	m.tree.Delete(measureEntry{registry.Measurement{Paddr: paddr}})
}

// forgetGuest removes every measurement owned by vmid, used when a
// guest is freed so stale entries do not keep referencing a torn-down
// guest id.
func (m *measurementTable) forgetGuest(vmid uint8) {
	var stale []uint64

	m.tree.Ascend(func(item btree.Item) bool {
		e := item.(measureEntry)
		if e.GuestID == vmid {
			stale = append(stale, e.Paddr)
		}
		return true
	})

	for _, paddr := range stale {
		m.forget(paddr)
	}
}

// calcHash is the opaque digest function named in spec.md §4.H/§6. The
// spec treats hashing as an external, opaque collaborator; crypto/sha256
// is the stdlib implementation of that boundary (see DESIGN.md).
func calcHash(buf []byte) [32]byte {
	return sha256.Sum256(buf)
}
