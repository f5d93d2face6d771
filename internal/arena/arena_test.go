package arena

import (
	"errors"
	"testing"

	"github.com/arm64hv/core/internal/hvapi"
)

func TestAllocTableMarksValidWithOwner(t *testing.T) {
	a := New(4)

	ref, err := a.AllocTable(3)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Valid(ref) {
		t.Error("allocated ref reports invalid")
	}
	owner, ok := a.Owner(ref)
	if !ok || owner != 3 {
		t.Errorf("Owner() = (%d, %v), want (3, true)", owner, ok)
	}
}

func TestAllocTableExhaustion(t *testing.T) {
	a := New(2)

	if _, err := a.AllocTable(1); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AllocTable(1); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AllocTable(1); !errors.Is(err, hvapi.ErrNoSpace) {
		t.Errorf("third AllocTable err = %v, want ErrNoSpace", err)
	}
}

func TestFreeTableRejectsInvalidRef(t *testing.T) {
	a := New(4)

	if err := a.FreeTable(Ref(2)); !errors.Is(err, hvapi.ErrNoEnt) {
		t.Errorf("FreeTable(unallocated) err = %v, want ErrNoEnt", err)
	}
	if err := a.FreeTable(NoRef); !errors.Is(err, hvapi.ErrNoEnt) {
		t.Errorf("FreeTable(NoRef) err = %v, want ErrNoEnt", err)
	}
}

func TestFreeTableThenReallocate(t *testing.T) {
	a := New(1)

	ref, err := a.AllocTable(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.FreeTable(ref); err != nil {
		t.Fatal(err)
	}
	if a.Valid(ref) {
		t.Error("ref still valid after FreeTable")
	}

	// The arena holds a single slot, so the freed slot must be reusable
	// by a subsequent AllocTable.
	if _, err := a.AllocTable(2); err != nil {
		t.Errorf("AllocTable after free: %v", err)
	}
}

func TestFreeGuestTablesOnlyFreesOwnedTables(t *testing.T) {
	a := New(4)

	r1, _ := a.AllocTable(1)
	r2, _ := a.AllocTable(2)
	r3, _ := a.AllocTable(1)

	n := a.FreeGuestTables(1)
	if n != 2 {
		t.Errorf("FreeGuestTables(1) freed %d, want 2", n)
	}
	if a.Valid(r1) || a.Valid(r3) {
		t.Error("guest 1's tables still valid after FreeGuestTables")
	}
	if !a.Valid(r2) {
		t.Error("guest 2's table was freed by FreeGuestTables(1)")
	}
}

func TestStatsTracksOccupancy(t *testing.T) {
	a := New(4)

	if s := a.Stats(); s.Capacity != 4 || s.InUse != 0 {
		t.Errorf("initial Stats = %+v, want {4 0}", s)
	}

	ref, _ := a.AllocTable(1)
	if s := a.Stats(); s.InUse != 1 {
		t.Errorf("Stats.InUse = %d after one alloc, want 1", s.InUse)
	}

	a.FreeTable(ref)
	if s := a.Stats(); s.InUse != 0 {
		t.Errorf("Stats.InUse = %d after free, want 0", s.InUse)
	}
}

func TestDumpTableOnlyReportsNonZeroEntries(t *testing.T) {
	a := New(1)
	ref, _ := a.AllocTable(1)

	tbl := a.Table(ref)
	tbl[5] = 0xdeadbeef

	dump := a.DumpTable(ref)
	if len(dump) != 1 || dump[5] != 0xdeadbeef {
		t.Errorf("DumpTable = %v, want {5: 0xdeadbeef}", dump)
	}
}

func TestDumpTableInvalidRef(t *testing.T) {
	a := New(1)

	if dump := a.DumpTable(Ref(0)); len(dump) != 0 {
		t.Errorf("DumpTable(unallocated) = %v, want empty", dump)
	}
}
