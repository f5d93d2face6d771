// Package arena implements the table arena of spec.md §3/§4.B: a static,
// process-wide array of fixed-size page tables tagged with an owning
// guest id, allocated and freed by index rather than by address.
package arena

import (
	"fmt"

	"github.com/arm64hv/core/internal/hvapi"
)

const (
	// EntriesPerTable is the fixed fan-out of a 4 KiB granule table: 512
	// 64-bit descriptors.
	EntriesPerTable = 512

	validBit  = uint16(1) << 15
	ownerMask = uint16(0x00FF)
)

// Table is one 4 KiB page-table record: 512 64-bit descriptors.
type Table [EntriesPerTable]uint64

// Ref identifies an allocated table by its slot index in the arena. It
// stands in for the physical address the original C source would use
// directly, per spec.md §9's note on representing descriptor output
// addresses as a small typed index where the host language lacks free
// pointer reinterpretation.
type Ref uint32

// NoRef is the all-ones Ref, meaning "no table" (analogous to a null
// table pointer); Ref 0 is an ordinary slot.
const NoRef Ref = ^Ref(0)

// Arena is the fixed-size table store. It is created once at MMU enable
// and never torn down, matching spec.md §3.
type Arena struct {
	tables []Table
	props  []uint16 // valid bit + owner guest id, per spec.md §3
}

// New allocates an arena of exactly n table slots.
func New(n uint32) *Arena {
	return &Arena{
		tables: make([]Table, n),
		props:  make([]uint16, n),
	}
}

// Len returns the arena's capacity.
func (a *Arena) Len() int { return len(a.tables) }

// AllocTable scans for the first free slot, marks it valid with the
// given owner, and returns its Ref. It returns ErrNoSpace if the arena
// is exhausted — spec.md's "O(N) scan accepted because allocations are
// rare".
func (a *Arena) AllocTable(owner uint8) (Ref, error) {
	for i, prop := range a.props {
		if prop&validBit == 0 {
			a.props[i] = validBit | uint16(owner)
			a.tables[i] = Table{}
			return Ref(i), nil
		}
	}
	return NoRef, fmt.Errorf("arena: no free table slots (capacity %d): %w", len(a.tables), hvapi.ErrNoSpace)
}

// FreeTable zeroes the table and its property word. It returns
// ErrNoEnt if ref does not name a currently-valid slot.
func (a *Arena) FreeTable(ref Ref) error {
	if !a.valid(ref) {
		return fmt.Errorf("arena: free: invalid ref %d: %w", ref, hvapi.ErrNoEnt)
	}
	a.tables[ref] = Table{}
	a.props[ref] = 0
	return nil
}

// FreeGuestTables zeroes every table whose owner equals vmid and
// returns the count reclaimed.
func (a *Arena) FreeGuestTables(vmid uint8) int {
	count := 0
	for i, prop := range a.props {
		if prop&validBit != 0 && uint8(prop&ownerMask) == vmid {
			a.tables[i] = Table{}
			a.props[i] = 0
			count++
		}
	}
	return count
}

// Valid reports whether ref currently names an in-use table.
func (a *Arena) Valid(ref Ref) bool { return a.valid(ref) }

func (a *Arena) valid(ref Ref) bool {
	return ref != NoRef && int(ref) >= 0 && int(ref) < len(a.props) && a.props[ref]&validBit != 0
}

// Reown retags a valid table's owner in place, without touching its
// contents or its valid bit. Used when a table allocated under a
// placeholder owner (HostVMID, before a guest's real id is known) must
// be handed over to the guest id it actually belongs to.
func (a *Arena) Reown(ref Ref, owner uint8) error {
	if !a.valid(ref) {
		return fmt.Errorf("arena: reown: invalid ref %d: %w", ref, hvapi.ErrNoEnt)
	}
	a.props[ref] = validBit | uint16(owner)
	return nil
}

// Owner returns the owning guest id of ref, or (0, false) if ref is not
// valid.
func (a *Arena) Owner(ref Ref) (uint8, bool) {
	if !a.valid(ref) {
		return 0, false
	}
	return uint8(a.props[ref] & ownerMask), true
}

// Table returns a pointer to the live table backing ref. Callers must
// have already validated ref via Valid or a prior AllocTable.
func (a *Arena) Table(ref Ref) *Table {
	return &a.tables[ref]
}

// Stats reports the arena's current occupancy, used by cmd/hvctl
// arena-stats and diagnostics logging.
type Stats struct {
	Capacity int
	InUse    int
}

// Stats scans the property array and reports occupancy. O(N), intended
// for diagnostics only.
func (a *Arena) Stats() Stats {
	s := Stats{Capacity: len(a.props)}
	for _, prop := range a.props {
		if prop&validBit != 0 {
			s.InUse++
		}
	}
	return s
}

// DumpTable renders the 512 descriptors of ref as (index, value) pairs
// for non-zero entries only. It is the supplemented introspection named
// in SPEC_FULL.md, grounded on the original's print_table.
func (a *Arena) DumpTable(ref Ref) map[int]uint64 {
	out := make(map[int]uint64)
	if !a.valid(ref) {
		return out
	}
	t := a.tables[ref]
	for i, d := range t {
		if d != 0 {
			out[i] = d
		}
	}
	return out
}
