package remap

import (
	"testing"

	"github.com/arm64hv/core/internal/archops"
	"github.com/arm64hv/core/internal/arena"
	"github.com/arm64hv/core/internal/desc"
	"github.com/arm64hv/core/internal/walker"
)

func newEngine(capacity uint32, ready bool) (*Engine, *archops.Sim) {
	ops := archops.NewSim(0, 0)
	e := &Engine{
		Arena:        arena.New(capacity),
		Ops:          ops,
		Cfg:          desc.NewConfig(desc.Granule4K),
		MachineReady: ready,
	}
	return e, ops
}

func TestGetBlockSizePrefersLargestAligned(t *testing.T) {
	cases := []struct {
		vaddr, remaining, want uint64
	}{
		{0, desc.L1BlkSize * 2, desc.L1BlkSize},
		{desc.PageSize, desc.L1BlkSize * 2, desc.PageSize},
		{0, desc.L2BlkSize, desc.L2BlkSize},
		{0, desc.PageSize, desc.PageSize},
	}

	for _, c := range cases {
		if got := GetBlockSize(c.vaddr, c.remaining); got != c.want {
			t.Errorf("GetBlockSize(%#x, %#x) = %#x, want %#x", c.vaddr, c.remaining, got, c.want)
		}
	}
}

func TestMmapRangePlainLoopBeforeMachineReady(t *testing.T) {
	e, _ := newEngine(16, false)

	root, err := e.Arena.AllocTable(1)
	if err != nil {
		t.Fatal(err)
	}

	r := Range{
		Root:      root,
		Stage:     desc.StageS2,
		Vaddr:     0x1000_0000,
		Paddr:     0x2000_0000,
		Len:       desc.PageSize,
		Prot:      desc.Prot{Write: true, Type: desc.MemNormalWB},
		Type:      desc.MemNormalWB,
		MaxLevels: 4,
		Owner:     1,
	}

	if err := e.MmapRange(r); err != nil {
		t.Fatal(err)
	}

	res := walker.Walk(e.Arena, e.Cfg, root, r.Vaddr, 4)
	if !res.Found || res.Paddr != r.Paddr {
		t.Fatalf("Walk after plain-loop MmapRange = %+v, want found at %#x", res, r.Paddr)
	}
}

func TestMmapRangeRejectsZeroVaddr(t *testing.T) {
	e, _ := newEngine(4, false)
	root, _ := e.Arena.AllocTable(1)

	r := Range{Root: root, Stage: desc.StageS2, Vaddr: 0, Len: desc.PageSize, MaxLevels: 4}
	if err := e.MmapRange(r); err == nil {
		t.Error("MmapRange with vaddr == 0 did not return an error")
	}
}

func TestBlockRemapExactHitReplacesBlock(t *testing.T) {
	e, _ := newEngine(8, true)
	root, _ := e.Arena.AllocTable(1)

	prot := desc.Prot{Write: true, Type: desc.MemNormalWB}
	base := Range{Root: root, Stage: desc.StageS2, Vaddr: desc.L1BlkSize, Paddr: desc.L1BlkSize * 5, Len: desc.L1BlkSize, Prot: prot, Type: desc.MemNormalWB, MaxLevels: 4, Owner: 1}
	if err := e.MmapRange(base); err != nil {
		t.Fatal(err)
	}

	replace := base
	replace.Paddr = desc.L1BlkSize * 9
	if err := e.MmapRange(replace); err != nil {
		t.Fatal(err)
	}

	res := walker.Walk(e.Arena, e.Cfg, root, desc.L1BlkSize+0x1234, 4)
	if !res.Found || res.Level != 1 {
		t.Fatalf("Walk after exact-hit remap = %+v, want level 1 block", res)
	}
	if res.Paddr != desc.L1BlkSize*9+0x1234 {
		t.Errorf("Paddr = %#x, want %#x", res.Paddr, desc.L1BlkSize*9+0x1234)
	}
}

func TestBlockRemapPartialHitSplitsAndPreservesSurroundings(t *testing.T) {
	e, ops := newEngine(16, true)
	root, _ := e.Arena.AllocTable(1)

	prot := desc.Prot{Write: true, Type: desc.MemNormalWB}

	// Install one 2 MiB block.
	base := Range{Root: root, Stage: desc.StageS2, Vaddr: desc.L2BlkSize, Paddr: 0x1000_0000 + desc.L2BlkSize, Len: desc.L2BlkSize, Prot: prot, Type: desc.MemNormalWB, MaxLevels: 4, Owner: 1}
	if err := e.MmapRange(base); err != nil {
		t.Fatal(err)
	}

	before := ops.TLBICount.Load()

	// Remap one page in the middle of the block to a different physical
	// address: forces a partial hit, splitting the block.
	splitVaddr := uint64(desc.L2BlkSize + desc.PageSize*10)
	split := Range{Root: root, Stage: desc.StageS2, Vaddr: splitVaddr, Paddr: 0x5000_0000, Len: desc.PageSize, Prot: prot, Type: desc.MemNormalWB, MaxLevels: 4, Owner: 1}
	if err := e.MmapRange(split); err != nil {
		t.Fatal(err)
	}

	after := ops.TLBICount.Load()
	if after-before != 1 {
		t.Errorf("TLBI count increased by %d across the split, want exactly 1 (TLBIVMAllIS once)", after-before)
	}

	res := walker.Walk(e.Arena, e.Cfg, root, splitVaddr, 4)
	if !res.Found || res.Paddr != 0x5000_0000 {
		t.Fatalf("Walk at split address = %+v, want found at %#x", res, 0x5000_0000)
	}

	// A page before the split must still resolve to the original block's
	// output address, unaffected by the split.
	before_vaddr := uint64(desc.L2BlkSize + desc.PageSize*3)
	resBefore := walker.Walk(e.Arena, e.Cfg, root, before_vaddr, 4)
	if !resBefore.Found || resBefore.Paddr != 0x1000_0000+before_vaddr {
		t.Fatalf("Walk before split address = %+v, want found at %#x", resBefore, 0x1000_0000+before_vaddr)
	}

	// A page after the split must still resolve to the original block's
	// output address too.
	afterVaddr := uint64(desc.L2BlkSize + desc.PageSize*20)
	resAfter := walker.Walk(e.Arena, e.Cfg, root, afterVaddr, 4)
	if !resAfter.Found || resAfter.Paddr != 0x1000_0000+afterVaddr {
		t.Fatalf("Walk after split address = %+v, want found at %#x", resAfter, 0x1000_0000+afterVaddr)
	}
}

func TestUnmapRangeClearsMapping(t *testing.T) {
	e, _ := newEngine(16, true)
	root, _ := e.Arena.AllocTable(1)

	prot := desc.Prot{Write: true, Type: desc.MemNormalWB}
	r := Range{Root: root, Stage: desc.StageS2, Vaddr: 0x2000_0000, Paddr: 0x3000_0000, Len: desc.PageSize, Prot: prot, Type: desc.MemNormalWB, MaxLevels: 4, Owner: 1}
	if err := e.MmapRange(r); err != nil {
		t.Fatal(err)
	}

	if err := e.UnmapRange(r); err != nil {
		t.Fatal(err)
	}

	if res := walker.Walk(e.Arena, e.Cfg, root, r.Vaddr, 4); res.Found {
		t.Error("Walk still finds a mapping after UnmapRange")
	}
}

func TestUnmapRangeBothStagesAreIndependentlyComplete(t *testing.T) {
	e, _ := newEngine(16, true)
	s1Root, _ := e.Arena.AllocTable(1)
	s2Root, _ := e.Arena.AllocTable(1)

	prot := desc.Prot{Write: true, Type: desc.MemNormalWB}

	s1 := Range{Root: s1Root, Stage: desc.StageS1, Vaddr: 0x1000, Paddr: 0x2000, Len: desc.PageSize, Prot: prot, Type: desc.MemNormalWB, MaxLevels: 4, Owner: 1}
	s2 := Range{Root: s2Root, Stage: desc.StageS2, Vaddr: 0x1000, Paddr: 0x3000, Len: desc.PageSize, Prot: prot, Type: desc.MemNormalWB, MaxLevels: 4, Owner: 1}

	if err := e.MmapRange(s1); err != nil {
		t.Fatal(err)
	}
	if err := e.MmapRange(s2); err != nil {
		t.Fatal(err)
	}

	if err := e.UnmapRange(s1); err != nil {
		t.Fatal(err)
	}

	if res := walker.Walk(e.Arena, e.Cfg, s1Root, s1.Vaddr, 4); res.Found {
		t.Error("stage-1 mapping still present after its own UnmapRange")
	}
	if res := walker.Walk(e.Arena, e.Cfg, s2Root, s2.Vaddr, 4); !res.Found {
		t.Error("stage-2 mapping was cleared by a stage-1 UnmapRange call")
	}
}
