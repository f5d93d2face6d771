// Package mapper implements mmap_addr (spec.md §4.E): installing exactly
// one descriptor that covers rangeSize at the largest legal block
// level, allocating interior tables on demand.
package mapper

import (
	"fmt"

	"github.com/arm64hv/core/internal/arena"
	"github.com/arm64hv/core/internal/archops"
	"github.com/arm64hv/core/internal/desc"
	"github.com/arm64hv/core/internal/hvapi"
)

// levelShifts mirrors walker's, kept local to avoid a walker
// dependency: the mapper only ever descends, it never classifies an
// existing resolution the way the walker does.
var levelShifts = [4]uint{desc.L0Shift, desc.L1Shift, desc.L2Shift, desc.L3Shift}

// MmapAddr installs a single descriptor covering rangeSize bytes at
// vaddr -> paddr in the tree rooted at root. rangeSize must be one of
// {L1BlkSize, L2BlkSize, PageSize} (spec.md §4.E). typ == desc.MemInvalid
// means "unmap": the descriptor is cleared to zero instead of stamped.
func MmapAddr(a *arena.Arena, ops archops.Ops, cfg desc.Config, root arena.Ref, stage desc.Stage, vaddr, paddr, rangeSize uint64, prot desc.Prot, typ desc.MemType, maxLevels int, owner uint8) error {
	targetLevel, err := levelFor(rangeSize)
	if err != nil {
		return err
	}

	startLevel := 4 - maxLevels
	ref := root

	for levelIdx := startLevel; levelIdx < targetLevel; levelIdx++ {
		if !a.Valid(ref) {
			return fmt.Errorf("mapper: root table %d not valid: %w", ref, hvapi.ErrInval)
		}

		table := a.Table(ref)
		idx := desc.Index(vaddr, levelShifts[levelIdx])
		d := table[idx]

		if desc.Valid(d) && desc.IsTable(d) {
			next := arena.Ref(cfg.TableOA(d) / desc.PageSize)
			ref = next
			continue
		}

		newTable, err := a.AllocTable(owner)
		if err != nil {
			return fmt.Errorf("mapper: allocating interior table: %w", err)
		}

		table[idx] = desc.MakeTableDesc(uint64(newTable) * desc.PageSize)
		ops.DSB()

		ref = newTable
	}

	if !a.Valid(ref) {
		return fmt.Errorf("mapper: interior table %d not valid: %w", ref, hvapi.ErrInval)
	}

	table := a.Table(ref)
	idx := desc.Index(vaddr, levelShifts[targetLevel])
	existing := table[idx]

	if desc.Valid(existing) && desc.IsTable(existing) && targetLevel < 3 {
		// Special policy (§4.E): remapping a block over an existing
		// table subtree discards it first.
		staleRef := arena.Ref(cfg.TableOA(existing) / desc.PageSize)
		freeSubtree(a, cfg, staleRef)
	}

	if typ == desc.MemInvalid {
		table[idx] = 0
	} else {
		prot.Type = typ
		attrBody := desc.Encode(stage, prot)
		oa := paddr &^ (rangeSize - 1)
		table[idx] = desc.MakeLeafDesc(targetLevel, oa, attrBody)
	}

	ops.DSB()

	return nil
}

// freeSubtree recursively reclaims a table and every table it points
// to, used when a block overwrites a live table descriptor.
func freeSubtree(a *arena.Arena, cfg desc.Config, ref arena.Ref) {
	if !a.Valid(ref) {
		return
	}

	t := a.Table(ref)
	for _, d := range t {
		if desc.Valid(d) && desc.IsTable(d) {
			child := arena.Ref(cfg.TableOA(d) / desc.PageSize)
			freeSubtree(a, cfg, child)
		}
	}

	_ = a.FreeTable(ref)
}

func levelFor(rangeSize uint64) (int, error) {
	switch rangeSize {
	case desc.L1BlkSize:
		return 1, nil
	case desc.L2BlkSize:
		return 2, nil
	case desc.PageSize:
		return 3, nil
	default:
		return 0, fmt.Errorf("mapper: range size %#x is not a legal block size: %w", rangeSize, hvapi.ErrInval)
	}
}
