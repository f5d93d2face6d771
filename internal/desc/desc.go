// Package desc implements the granule-parameterized translation
// descriptor codec of spec.md §4.C: the masks and shifts derived once
// from the stage-2 translation-control value, and the bit accessors for
// individual 64-bit descriptors. Only the 4 KiB granule is supported;
// anything else is a fatal configuration error (spec.md §4.C, §7).
package desc

import "github.com/arm64hv/core/internal/hvapi"

// Bit positions fixed by the ARMv8 translation table format.
const (
	BitValid      = 0
	BitTableBlock = 1 // 1 at a table/non-leaf entry, 0 at a block/page leaf
	BitAF         = 10
	BitDBM        = 51 // dirty-bit-modifier, set by the governor on map (§4.H)
	BitXN         = 54
	BitPXN        = 53

	apShift = 6 // stage-1 AP[2:1]; stage-2 S2AP[1:0]
	shShift = 8 // shareability
	attrShift = 2 // AttrIndx / MemAttr
)

// Granule is the page granule size; only Granule4K is accepted.
type Granule int

const (
	Granule4K Granule = 4096
	Granule16K Granule = 16384
	Granule64K Granule = 65536
)

// Level-shift constants for the 4 KiB granule, 4-level table walk.
const (
	L0Shift = 39
	L1Shift = 30
	L2Shift = 21
	L3Shift = 12

	PageSize  = 1 << L3Shift
	L2BlkSize = 1 << L2Shift // 2 MiB
	L1BlkSize = 1 << L1Shift // 1 GiB

	tableIndexBits = 9
	tableIndexMask = (1 << tableIndexBits) - 1

	// outputAddrBits is the maximum physical address width this codec
	// supports (48-bit PA, the common ARMv8.0 case).
	outputAddrBits = 48
)

// Config is the immutable, granule-derived configuration spec.md §4.C
// calls for: computed once at boot from the translation-control value
// and never mutated afterward.
type Config struct {
	Granule Granule

	L1BlkOAMask   uint64
	L2BlkOAMask   uint64
	L1BlkOfftMask uint64
	L2BlkOfftMask uint64
	TableOAMask   uint64
}

// NewConfig derives a Config from a granule. It aborts (hvapi.Abort
// logs and panics) for any granule other than 4 KiB, matching spec.md
// §4.C: "only 4 KiB accepted; others are a fatal configuration error".
func NewConfig(g Granule) Config {
	if g != Granule4K {
		hvapi.Abort("desc: unsupported granule %d (only 4 KiB is implemented)", g)
	}

	outputMask := uint64(1)<<outputAddrBits - 1

	return Config{
		Granule:       g,
		L1BlkOAMask:   outputMask &^ (L1BlkSize - 1),
		L2BlkOAMask:   outputMask &^ (L2BlkSize - 1),
		L1BlkOfftMask: L1BlkSize - 1,
		L2BlkOfftMask: L2BlkSize - 1,
		TableOAMask:   outputMask &^ (PageSize - 1),
	}
}

// Index extracts the table index for vaddr at the given level shift
// (L0Shift..L3Shift).
func Index(vaddr uint64, levelShift uint) uint64 {
	return (vaddr >> levelShift) & tableIndexMask
}

// Valid reports the descriptor's valid bit.
func Valid(d uint64) bool { return d&(1<<BitValid) != 0 }

// IsTable reports whether d is a non-leaf table descriptor (as opposed
// to a block/page leaf). Only meaningful at levels that admit blocks
// (L1, L2); at L3 the bit is architecturally always 1 (page descriptor).
func IsTable(d uint64) bool { return d&(1<<BitTableBlock) != 0 }

// AccessFlag reports the descriptor's access flag bit.
func AccessFlag(d uint64) bool { return d&(1<<BitAF) != 0 }

// TableOA extracts a table descriptor's output address (the physical
// address of the next-level table) using cfg.TableOAMask.
func (cfg Config) TableOA(d uint64) uint64 {
	return d & cfg.TableOAMask
}

// BlockOA extracts a block descriptor's output address at the given
// level (1 or 2).
func (cfg Config) BlockOA(d uint64, level int) uint64 {
	switch level {
	case 1:
		return d & cfg.L1BlkOAMask
	case 2:
		return d & cfg.L2BlkOAMask
	default:
		return d & cfg.TableOAMask // L3 page: same mask width as table OA
	}
}

// BlockOfft extracts the page-offset bits of vaddr appropriate to level.
func (cfg Config) BlockOfft(vaddr uint64, level int) uint64 {
	switch level {
	case 1:
		return vaddr & cfg.L1BlkOfftMask
	case 2:
		return vaddr & cfg.L2BlkOfftMask
	default:
		return vaddr & (PageSize - 1)
	}
}

// Attr is the attribute/protection field: permissions, shareability,
// memory type. Stage-1 and stage-2 lay these bits out differently, so
// Attr is opaque here and interpreted by Prot/MemType helpers per stage.
type Attr uint64

// Stage distinguishes stage-1 (VA->PA) from stage-2 (IPA->PA) attribute
// layouts, per spec.md §3 "distinct bit layout for stage-1 vs stage-2".
type Stage int

const (
	StageS1 Stage = iota
	StageS2
)

// MemType enumerates the memory-type constants named in spec.md §6.
type MemType int

const (
	MemInvalid MemType = iota
	MemNormalWB
	MemNormalNC
	MemNormalWT
	MemDevice
)

// Prot is a stage-agnostic protection request; Encode/Decode translate
// it to/from the stage-specific Attr bit layout.
type Prot struct {
	Write   bool
	Exec    bool
	DBM     bool // dirty-bit-modifier, set by guest_map_range (§4.H)
	Type    MemType
	Shareable bool
}

// Encode packs a Prot and MemType into the attribute field for the
// given stage, plus the access-flag and dirty-bit-modifier bits, and
// returns a complete leaf descriptor body (without the valid/table-block
// bits or output address, which the mapper fills in).
func Encode(stage Stage, p Prot) uint64 {
	var attr uint64

	attr |= 1 << BitAF // access flag always set by the mapper (§4.E)

	if p.DBM {
		attr |= 1 << BitDBM
	}
	if !p.Exec {
		if stage == StageS1 {
			attr |= 1 << BitPXN
		} else {
			attr |= 1 << BitXN
		}
	}

	var apBits uint64
	switch stage {
	case StageS1:
		if !p.Write {
			apBits = 0b10 // AP[2:1] = RO
		} else {
			apBits = 0b00 // RW
		}
	case StageS2:
		if p.Write {
			apBits = 0b11 // S2AP RW
		} else {
			apBits = 0b01 // S2AP RO
		}
	}
	attr |= apBits << apShift

	if p.Shareable {
		attr |= 0b11 << shShift // inner shareable
	}

	attr |= uint64(memTypeIndex(p.Type)) << attrShift

	return attr
}

func memTypeIndex(t MemType) uint64 {
	switch t {
	case MemNormalWB:
		return 0
	case MemNormalNC:
		return 1
	case MemNormalWT:
		return 2
	case MemDevice:
		return 3
	default:
		return 0
	}
}

// DecodeMemType recovers the MemType an attribute body's AttrIndx/MemAttr
// field encodes, inverting memTypeIndex.
func DecodeMemType(d uint64) MemType {
	switch (d >> attrShift) & 0b11 {
	case 0:
		return MemNormalWB
	case 1:
		return MemNormalNC
	case 2:
		return MemNormalWT
	case 3:
		return MemDevice
	default:
		return MemInvalid
	}
}

// Decode extracts the Prot a leaf descriptor's attribute bits encode.
func Decode(stage Stage, d uint64) Prot {
	ap := (d >> apShift) & 0b11

	var write bool
	switch stage {
	case StageS1:
		write = ap&0b10 == 0
	case StageS2:
		write = ap&0b10 != 0
	}

	var exec bool
	switch stage {
	case StageS1:
		exec = d&(1<<BitPXN) == 0
	case StageS2:
		exec = d&(1<<BitXN) == 0
	}

	return Prot{
		Write:     write,
		Exec:      exec,
		DBM:       d&(1<<BitDBM) != 0,
		Shareable: (d>>shShift)&0b11 != 0,
		Type:      DecodeMemType(d),
	}
}

// MakeTableDesc builds a non-leaf descriptor pointing at a table whose
// physical address is oa. Only valid/table-block and output-address
// bits are set — spec.md §4.E: "has only its output-address bits
// written to prevent stale attribute bits leaking across remaps".
func MakeTableDesc(oa uint64) uint64 {
	return (1 << BitValid) | (1 << BitTableBlock) | (oa & (uint64(1)<<outputAddrBits - 1) &^ (PageSize - 1))
}

// MakeLeafDesc builds a leaf (block or page) descriptor at the given
// level, combining the output address with the encoded attribute body.
// Level 3 (page) always carries table-block bit 1 architecturally;
// levels 1 and 2 carry 0 to mark a block.
func MakeLeafDesc(level int, oa uint64, attrBody uint64) uint64 {
	d := uint64(1<<BitValid) | attrBody

	if level == 3 {
		d |= 1 << BitTableBlock
	}

	d |= oa

	return d
}
