// Package walker implements the read-only, multi-level translation
// walk of spec.md §4.D: given a page-table root and a virtual address,
// it returns the mapped physical address (if any), the descriptor, and
// the level at which it resolved. Used by the remapper (to classify a
// step as no-hit, exact-hit or partial-hit) and the governor (to test
// whether a guest address is already mapped); the mapper descends
// interior tables itself and does not call Walk.
package walker

import (
	"github.com/arm64hv/core/internal/arena"
	"github.com/arm64hv/core/internal/desc"
)

// Result is what a walk resolves to.
type Result struct {
	// Found reports whether the walk reached a valid leaf.
	Found bool

	// Paddr is the physical address vaddr translates to, valid only if
	// Found.
	Paddr uint64

	// Level is the level (1, 2, or 3) at which the leaf resolved.
	Level int

	// TableRef, Index locate the leaf descriptor itself: the arena
	// table it lives in and its index within that table. Callers that
	// need to mutate the descriptor (the mapper, the remapper) use
	// this rather than re-deriving it.
	TableRef arena.Ref
	Index    int
}

// levelShifts in walk order, L0 (top) to L3 (page).
var levelShifts = [4]uint{desc.L0Shift, desc.L1Shift, desc.L2Shift, desc.L3Shift}

// Walk proceeds from the highest level named by maxLevels (3 or 4,
// counting L0) toward the page level. maxLevels=4 walks L0..L3;
// maxLevels=3 starts at L1 (used for stage-2 roots with a 3-level
// table, a common IPA-width reduction).
func Walk(a *arena.Arena, cfg desc.Config, root arena.Ref, vaddr uint64, maxLevels int) Result {
	startLevel := 4 - maxLevels // index into levelShifts where the walk begins

	ref := root

	for levelIdx := startLevel; levelIdx < 4; levelIdx++ {
		level := levelIdx // 0=L0 ... 3=L3; "level" in spec terms is levelIdx for L1/L2, L3 is page
		if !a.Valid(ref) {
			return Result{}
		}

		table := a.Table(ref)
		idx := desc.Index(vaddr, levelShifts[levelIdx])
		d := table[idx]

		if !desc.Valid(d) {
			return Result{}
		}

		isLeafLevel := levelIdx == 3 // L3 is always a leaf (page)

		if !isLeafLevel && !desc.IsTable(d) {
			// Block descriptor at a non-leaf level (L1 or L2): resolve.
			specLevel := level // 1 or 2 in spec.md's numbering (L1Shift->1, L2Shift->2)
			oa := cfg.BlockOA(d, specLevel)
			offt := cfg.BlockOfft(vaddr, specLevel)

			return Result{
				Found:    true,
				Paddr:    oa | offt,
				Level:    specLevel,
				TableRef: ref,
				Index:    int(idx),
			}
		}

		if isLeafLevel {
			oa := cfg.TableOA(d) // page OA shares the table-OA mask width
			offt := vaddr & (desc.PageSize - 1)

			return Result{
				Found:    true,
				Paddr:    oa | offt,
				Level:    3,
				TableRef: ref,
				Index:    int(idx),
			}
		}

		// table/block=1 at a non-leaf level: descend.
		next := arena.Ref(cfg.TableOA(d) / desc.PageSize)
		if !a.Valid(next) {
			return Result{}
		}
		ref = next
	}

	return Result{}
}

// Mapping is one run reported by DumpRange, which renders the mapped
// parts of [vaddr, vaddr+length) as (base, length, level) runs,
// mirroring the original's print_mappings. It walks one leaf at a time
// and merges a leaf into the previous run when the two are adjacent in
// virtual address and resolved at the same level; descriptor attributes
// and output addresses are not compared — a debug aid, not a hot path.
type Mapping struct {
	Base   uint64
	Length uint64
	Level  int
}

// DumpRange is gated by config.Boot.Debug at the caller; it is O(range
// length / page size) and intended only for cmd/hvctl dump.
func DumpRange(a *arena.Arena, cfg desc.Config, root arena.Ref, vaddr, length uint64, maxLevels int) []Mapping {
	var out []Mapping

	end := vaddr + length
	for v := vaddr; v < end; {
		res := Walk(a, cfg, root, v, maxLevels)
		step := stepFor(res.Level)

		if !res.Found {
			v += desc.PageSize
			continue
		}

		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Base+last.Length == v && last.Level == res.Level {
				last.Length += step
				v += step
				continue
			}
		}

		out = append(out, Mapping{Base: v, Length: step, Level: res.Level})
		v += step
	}

	return out
}

func stepFor(level int) uint64 {
	switch level {
	case 1:
		return desc.L1BlkSize
	case 2:
		return desc.L2BlkSize
	default:
		return desc.PageSize
	}
}
