// Package remap implements the break-before-make remapper of spec.md
// §4.F: mmap_range/unmap_range, delegating to a block_remap equivalent
// that safely splits existing block mappings without violating
// architectural TLB rules.
package remap

import (
	"fmt"

	"github.com/arm64hv/core/internal/arena"
	"github.com/arm64hv/core/internal/archops"
	"github.com/arm64hv/core/internal/desc"
	"github.com/arm64hv/core/internal/hvapi"
	"github.com/arm64hv/core/internal/hvlog"
	"github.com/arm64hv/core/internal/mapper"
	"github.com/arm64hv/core/internal/walker"
)

var log = hvlog.For("remap")

// Engine bundles everything block_remap needs: the arena, architectural
// operations, and the granule config, plus the process-wide MachineReady
// flag that degrades the remapper to a plain loop during boot (§4.F:
// "During machine initialization ... the remapper degrades to a plain
// mmap_range loop because overlap is guaranteed absent").
type Engine struct {
	Arena *arena.Arena
	Ops   archops.Ops
	Cfg   desc.Config

	// MachineReady mirrors machine_init_ready(): false during boot.
	MachineReady bool
}

// Range describes one mmap_range/unmap_range request.
type Range struct {
	Root      arena.Ref
	Stage     desc.Stage
	Vaddr     uint64
	Paddr     uint64
	Len       uint64
	Prot      desc.Prot
	Type      desc.MemType // desc.MemInvalid means unmap
	MaxLevels int
	Owner     uint8
}

// buildCtx is the "build context" spec.md §9 recommends as the cleaner
// alternative to the original's process-wide `invalidate` flag: while
// suppressTLBI is set, nested MmapAddr calls made during subtree construction must
// not issue per-descriptor TLBI. The engine still only ever has one
// writer (§5), so a single field suffices; it is passed explicitly
// rather than stored as global mutable state so re-entrancy is
// impossible to get wrong by accident.
type buildCtx struct {
	suppressTLBI bool
}

// MmapRange installs r across [r.Vaddr, r.Vaddr+r.Len) using
// break-before-make where a sub-range overlaps an existing block.
func (e *Engine) MmapRange(r Range) error {
	if err := validateRange(r); err != nil {
		return err
	}

	if !e.MachineReady {
		return e.plainLoop(r)
	}

	return e.blockRemap(r, &buildCtx{})
}

// UnmapRange clears [r.Vaddr, r.Vaddr+r.Len). It is implemented as
// MmapRange with Type == desc.MemInvalid. Stage-1 and stage-2 share one
// case arm and take the same MmapRange path, so both stages are handled
// symmetrically — the Open Question resolution from spec.md §9: the
// original's STAGE2-falls-into-STAGE1 bug is not reproduced.
func (e *Engine) UnmapRange(r Range) error {
	r.Type = desc.MemInvalid

	switch r.Stage {
	case desc.StageS1, desc.StageS2:
		return e.MmapRange(r)
	default:
		return fmt.Errorf("remap: unknown stage %v: %w", r.Stage, hvapi.ErrInval)
	}
}

func validateRange(r Range) error {
	if r.Vaddr == 0 {
		return fmt.Errorf("remap: vaddr is zero: %w", hvapi.ErrInval)
	}
	if r.Len == 0 || r.Len%desc.PageSize != 0 {
		return fmt.Errorf("remap: length %#x is not a positive multiple of the page size: %w", r.Len, hvapi.ErrInval)
	}
	return nil
}

// plainLoop is the boot-time degrade path: no overlap can exist yet, so
// every step is installed directly via the mapper with no break-before-
// make bookkeeping.
func (e *Engine) plainLoop(r Range) error {
	vaddr, paddr, remaining := r.Vaddr, r.Paddr, r.Len

	for remaining > 0 {
		step := GetBlockSize(vaddr, remaining)

		err := mapper.MmapAddr(e.Arena, e.Ops, e.Cfg, r.Root, r.Stage, vaddr, paddr, step, r.Prot, r.Type, r.MaxLevels, r.Owner)
		if err != nil {
			return fmt.Errorf("remap: plain loop at %#x: %w", vaddr, err)
		}

		vaddr += step
		paddr += step
		remaining -= step
	}

	return nil
}

// blockRemap is __block_remap: it walks the range, and for each step
// classifies the hit as no-hit, exact-hit, or partial-hit, handling
// each per spec.md §4.F.
func (e *Engine) blockRemap(r Range, bctx *buildCtx) error {
	vaddr, paddr, remaining := r.Vaddr, r.Paddr, r.Len

	for remaining > 0 {
		res := walker.Walk(e.Arena, e.Cfg, r.Root, vaddr, r.MaxLevels)

		switch {
		case !res.Found:
			step := GetBlockSize(vaddr, remaining)
			if err := mapper.MmapAddr(e.Arena, e.Ops, e.Cfg, r.Root, r.Stage, vaddr, paddr, step, r.Prot, r.Type, r.MaxLevels, r.Owner); err != nil {
				return fmt.Errorf("remap: no-hit step at %#x: %w", vaddr, err)
			}
			vaddr += step
			paddr += step
			remaining -= step

		case res.Found && isCoextensive(res, vaddr, remaining):
			step := blockSizeOfLevel(res.Level)
			if err := mapper.MmapAddr(e.Arena, e.Ops, e.Cfg, r.Root, r.Stage, vaddr, paddr, step, r.Prot, r.Type, r.MaxLevels, r.Owner); err != nil {
				return fmt.Errorf("remap: exact-hit step at %#x: %w", vaddr, err)
			}
			vaddr += step
			paddr += step
			remaining -= step

		default:
			step, err := e.splitAndSubstitute(r, bctx, res, vaddr, paddr, remaining)
			if err != nil {
				return err
			}
			vaddr += step
			paddr += step
			remaining -= step
		}
	}

	return nil
}

// isCoextensive reports whether the block found at vaddr is exactly
// covered by the remaining request (case 2 of §4.F: "Block hit exactly
// coextensive with the remaining step").
func isCoextensive(res walker.Result, vaddr, remaining uint64) bool {
	blkSize := blockSizeOfLevel(res.Level)
	blkBase := vaddr &^ (blkSize - 1)

	return blkBase == vaddr && blkSize <= remaining
}

// splitAndSubstitute is case 3: a partial block hit. It builds a fresh
// interior table with head/middle/tail sub-mappings, then atomically
// substitutes the block descriptor for a table descriptor, with TLBI
// suppressed on the interior writes and a single broadcast invalidation
// afterward.
func (e *Engine) splitAndSubstitute(r Range, bctx *buildCtx, res walker.Result, vaddr, paddr, remaining uint64) (uint64, error) {
	blkSize := blockSizeOfLevel(res.Level)
	blkBase := vaddr &^ (blkSize - 1)
	blkEnd := blkBase + blkSize

	overlapLen := remaining
	if blkEnd-vaddr < overlapLen {
		overlapLen = blkEnd - vaddr
	}

	origDesc := e.Arena.Table(res.TableRef)[res.Index]
	origOA := e.Cfg.BlockOA(origDesc, res.Level)
	origAttrBody := origDesc &^ origOA

	newTable, err := e.Arena.AllocTable(r.Owner)
	if err != nil {
		return 0, fmt.Errorf("remap: allocating split table at %#x: %w", vaddr, hvapi.ErrNoSpace)
	}

	// newTable takes the place of the block descriptor at res.Level, so
	// its own entries are indexed one level deeper than res.Level: a
	// split 1 GiB (level 1) block's table holds L2 entries, a split
	// 2 MiB (level 2) block's table holds L3 (page) entries directly.
	// Passing r.MaxLevels unchanged here would make mapper.MmapAddr
	// re-descend from L0 using newTable as if it were the whole root.
	subMaxLevels := 4 - (res.Level + 1)

	bctx.suppressTLBI = true

	// head: blkBase .. vaddr, unchanged attributes/output address.
	if vaddr > blkBase {
		if err := e.installSub(r, newTable, blkBase, origOA, vaddr-blkBase, origAttrBody, subMaxLevels); err != nil {
			return 0, fmt.Errorf("remap: installing head sub-mapping: %w", err)
		}
	}

	// middle: the new mapping for the requested overlap.
	if err := mapper.MmapAddr(e.Arena, &suppressedOps{e.Ops, bctx}, e.Cfg, newTable, r.Stage, vaddr, paddr, overlapLen, r.Prot, r.Type, subMaxLevels, r.Owner); err != nil {
		return 0, fmt.Errorf("remap: installing middle sub-mapping: %w", err)
	}

	// tail: end-of-overlap .. blkEnd, unchanged attributes/output address.
	if vaddr+overlapLen < blkEnd {
		tailVaddr := vaddr + overlapLen
		tailOA := origOA + (tailVaddr - blkBase)
		if err := e.installSub(r, newTable, tailVaddr, tailOA, blkEnd-tailVaddr, origAttrBody, subMaxLevels); err != nil {
			return 0, fmt.Errorf("remap: installing tail sub-mapping: %w", err)
		}
	}

	bctx.suppressTLBI = false

	// Atomic substitution: replace the block descriptor with a table
	// descriptor pointing at newTable. This single write is the only
	// point at which the live translation changes meaning.
	tableDesc := desc.MakeTableDesc(uint64(newTable) * desc.PageSize)
	e.Arena.Table(res.TableRef)[res.Index] = tableDesc
	e.Ops.DSB()

	// Single global broadcast invalidation covers the entire subtree,
	// per §4.F and §5's break-before-make discipline.
	e.Ops.TLBIVMAllIS()
	e.Ops.ISB()

	log.WithField("vaddr_block", blkBase).Debug("split block via break-before-make")

	return overlapLen, nil
}

// installSub installs one contiguous sub-mapping of the original block
// into the fresh interior table, with the protection decoded from the
// original descriptor's attribute body and re-encoded by the mapper. It
// steps through the range at the largest size GetBlockSize permits,
// capped to the block size of the interior table's top level.
func (e *Engine) installSub(r Range, table arena.Ref, vaddr, paddr, length, attrBody uint64, maxLevels int) error {
	prot := desc.Decode(r.Stage, attrBody)
	typ := prot.Type

	// table only has maxLevels worth of levels below it (it stands in
	// for whatever level the original block lived at), so sub-mappings
	// may not pick a block size larger than that top level admits —
	// GetBlockSize alone doesn't know how deep the sub-table goes.
	capSize := blockSizeOfLevel(4 - maxLevels)

	remaining := length
	v, p := vaddr, paddr

	for remaining > 0 {
		step := GetBlockSize(v, remaining)
		if step > capSize {
			step = capSize
		}
		if err := mapper.MmapAddr(e.Arena, e.Ops, e.Cfg, table, r.Stage, v, p, step, prot, typ, maxLevels, r.Owner); err != nil {
			return err
		}
		v += step
		p += step
		remaining -= step
	}

	return nil
}

func attrAddrMask(level int) uint64 {
	switch level {
	case 1:
		return desc.L1BlkSize - 1
	case 2:
		return desc.L2BlkSize - 1
	default:
		return desc.PageSize - 1
	}
}

func blockSizeOfLevel(level int) uint64 {
	switch level {
	case 1:
		return desc.L1BlkSize
	case 2:
		return desc.L2BlkSize
	default:
		return desc.PageSize
	}
}

// GetBlockSize implements get_block_size (§4.F item 4): always prefers
// the largest block whose base is aligned to vaddr and whose size does
// not exceed remaining, falling back level by level to the page size.
func GetBlockSize(vaddr, remaining uint64) uint64 {
	if remaining >= desc.L1BlkSize && vaddr%desc.L1BlkSize == 0 {
		return desc.L1BlkSize
	}
	if remaining >= desc.L2BlkSize && vaddr%desc.L2BlkSize == 0 {
		return desc.L2BlkSize
	}
	return desc.PageSize
}

// suppressedOps wraps an Ops to suppress per-descriptor TLB
// invalidation while bctx.suppressTLBI is set, per §5's break-before-
// make discipline: "a flag invalidate is cleared to suppress
// per-descriptor TLBI inside the nested mapper calls". Only the
// per-address invalidations (TLBIVAEL1, TLBIIPAEL1, TLBIVAEL2) are
// gated; DSB, ISB and the all-entries TLBI operations pass through
// unchanged, since DSB merely orders the write, it doesn't invalidate
// anything observers could rely on mid-construction.
type suppressedOps struct {
	archops.Ops
	bctx *buildCtx
}

func (s *suppressedOps) TLBIVAEL1(va uint64) {
	if s.bctx.suppressTLBI {
		return
	}
	s.Ops.TLBIVAEL1(va)
}

func (s *suppressedOps) TLBIIPAEL1(ipa uint64) {
	if s.bctx.suppressTLBI {
		return
	}
	s.Ops.TLBIIPAEL1(ipa)
}

func (s *suppressedOps) TLBIVAEL2(va uint64) {
	if s.bctx.suppressTLBI {
		return
	}
	s.Ops.TLBIVAEL2(va)
}
