package desc

import "testing"

func TestIndexExtraction(t *testing.T) {
	vaddr := uint64(0x1_2345_6789)

	if got := Index(vaddr, L3Shift); got != (vaddr>>L3Shift)&tableIndexMask {
		t.Errorf("Index L3 = %#x, want %#x", got, (vaddr>>L3Shift)&tableIndexMask)
	}
}

func TestValidAndIsTable(t *testing.T) {
	leaf := MakeLeafDesc(3, 0x1000, 0)
	if !Valid(leaf) {
		t.Error("leaf descriptor reports invalid")
	}
	if !IsTable(leaf) {
		t.Error("L3 leaf must carry table-block bit 1 architecturally")
	}

	blk := MakeLeafDesc(2, L2BlkSize, 0)
	if IsTable(blk) {
		t.Error("L2 block descriptor must carry table-block bit 0")
	}

	table := MakeTableDesc(0x3000)
	if !IsTable(table) {
		t.Error("table descriptor must carry table-block bit 1")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Prot{
		{Write: true, Exec: false, Type: MemNormalWB, Shareable: true},
		{Write: false, Exec: true, Type: MemDevice, Shareable: false},
		{Write: true, Exec: true, DBM: true, Type: MemNormalNC, Shareable: true},
	}

	for _, stage := range []Stage{StageS1, StageS2} {
		for _, p := range cases {
			attr := Encode(stage, p)
			got := Decode(stage, attr)

			if got.Write != p.Write {
				t.Errorf("stage=%d Decode(Encode(%+v)).Write = %v, want %v", stage, p, got.Write, p.Write)
			}
			if got.Exec != p.Exec {
				t.Errorf("stage=%d Decode(Encode(%+v)).Exec = %v, want %v", stage, p, got.Exec, p.Exec)
			}
			if got.DBM != p.DBM {
				t.Errorf("stage=%d Decode(Encode(%+v)).DBM = %v, want %v", stage, p, got.DBM, p.DBM)
			}
			if got.Type != p.Type {
				t.Errorf("stage=%d Decode(Encode(%+v)).Type = %v, want %v", stage, p, got.Type, p.Type)
			}
			if got.Shareable != p.Shareable {
				t.Errorf("stage=%d Decode(Encode(%+v)).Shareable = %v, want %v", stage, p, got.Shareable, p.Shareable)
			}
		}
	}
}

func TestEncodeAlwaysSetsAccessFlag(t *testing.T) {
	attr := Encode(StageS2, Prot{Write: true, Type: MemNormalWB})
	if attr&(1<<BitAF) == 0 {
		t.Error("Encode did not set the access flag")
	}
}

func TestMakeTableDescMasksToPageBoundary(t *testing.T) {
	d := MakeTableDesc(0x12345)
	oa := d &^ ((1 << BitValid) | (1 << BitTableBlock))
	if oa&(PageSize-1) != 0 {
		t.Errorf("MakeTableDesc output address %#x not page-aligned", oa)
	}
}

func TestNewConfigMasks(t *testing.T) {
	cfg := NewConfig(Granule4K)

	if cfg.L1BlkOfftMask != L1BlkSize-1 {
		t.Errorf("L1BlkOfftMask = %#x, want %#x", cfg.L1BlkOfftMask, L1BlkSize-1)
	}
	if cfg.L2BlkOfftMask != L2BlkSize-1 {
		t.Errorf("L2BlkOfftMask = %#x, want %#x", cfg.L2BlkOfftMask, L2BlkSize-1)
	}
	if cfg.L1BlkOAMask&(L1BlkSize-1) != 0 {
		t.Error("L1BlkOAMask has low block-offset bits set")
	}
}

func TestNewConfigAbortsOnUnsupportedGranule(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewConfig(Granule16K) did not panic")
		}
	}()
	NewConfig(Granule16K)
}

func TestBlockOAAtEachLevel(t *testing.T) {
	cfg := NewConfig(Granule4K)

	l1 := MakeLeafDesc(1, L1BlkSize*3, 0)
	if got := cfg.BlockOA(l1, 1); got != L1BlkSize*3 {
		t.Errorf("BlockOA(level 1) = %#x, want %#x", got, L1BlkSize*3)
	}

	l2 := MakeLeafDesc(2, L2BlkSize*5, 0)
	if got := cfg.BlockOA(l2, 2); got != L2BlkSize*5 {
		t.Errorf("BlockOA(level 2) = %#x, want %#x", got, L2BlkSize*5)
	}
}
