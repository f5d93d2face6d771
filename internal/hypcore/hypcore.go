// Package hypcore is the composition root: it wires the bootstrap
// allocator, table arena, descriptor codec, guest registry, remap
// engine, and memory governor into one Core, and implements the
// table_init/enable_mmu boot sequence the distilled spec.md omitted
// but SPEC_FULL.md supplements (original_source/core/armtrans.c:
// table_init/enable_mmu).
package hypcore

import (
	"fmt"

	"github.com/arm64hv/core/internal/archops"
	"github.com/arm64hv/core/internal/arena"
	"github.com/arm64hv/core/internal/bootalloc"
	"github.com/arm64hv/core/internal/config"
	"github.com/arm64hv/core/internal/desc"
	"github.com/arm64hv/core/internal/governor"
	"github.com/arm64hv/core/internal/hvlog"
	"github.com/arm64hv/core/internal/registry"
	"github.com/arm64hv/core/internal/remap"
)

var log = hvlog.For("hypcore")

// Core bundles every wired subsystem. New builds the bootstrap heap,
// arena, registry, remap engine and governor, then runs tableInit,
// which claims the host's registry slot and allocates the host's own
// stage-1/stage-2 roots.
type Core struct {
	Boot  config.Boot
	Heap  *bootalloc.Heap
	Arena *arena.Arena
	Cfg   desc.Config
	Ops   archops.Ops

	Registry *registry.Registry
	Remap    *remap.Engine
	Governor *governor.Governor

	// HostS2Root is host_s2_pgd: the host's own stage-2 root, captured
	// at table_init time; EnableMMU writes it to VTTBR_EL2.
	HostS2Root arena.Ref
}

// New constructs a Core from configuration, architectural operations,
// and the out-of-scope collaborators (host memory map, page I/O). ops
// may be archops.NewSim for tests and cmd/hvctl.
func New(boot config.Boot, ops archops.Ops, host governor.HostMemoryMap, pages governor.PageReadWriter) (*Core, error) {
	if err := boot.Validate(); err != nil {
		return nil, fmt.Errorf("hypcore: invalid configuration: %w", err)
	}

	hvlog.SetLevel(boot.LogLevel())

	heap, err := bootalloc.New(boot.HeapSize)
	if err != nil {
		return nil, fmt.Errorf("hypcore: bootstrap allocator: %w", err)
	}

	a := arena.New(boot.ArenaTables)
	cfg := desc.NewConfig(desc.Granule4K)

	reg := registry.New(boot.MaxGuests, a, ops)

	re := &remap.Engine{Arena: a, Ops: ops, Cfg: cfg, MachineReady: false}

	gov := governor.New(reg, re, host, pages, boot.MaxSlotPages, int(boot.MaxMemSlots), int(boot.MaxPagingBlocks), boot.StrictConflictingMap)

	c := &Core{
		Boot:     boot,
		Heap:     heap,
		Arena:    a,
		Cfg:      cfg,
		Ops:      ops,
		Registry: reg,
		Remap:    re,
		Governor: gov,
	}

	if err := c.tableInit(); err != nil {
		return nil, err
	}

	return c, nil
}

// tableInit mirrors table_init(): zero the arena (already zero from
// arena.New, so this is a structural no-op here, but is named to keep
// parity with the original sequence) and allocate the host's own
// stage-1/stage-2 roots.
func (c *Core) tableInit() error {
	host, err := c.Registry.ByVMID(registry.HostVMID)
	if err != nil {
		return fmt.Errorf("hypcore: table_init: %w", err)
	}

	s1, err := c.Arena.AllocTable(registry.HostVMID)
	if err != nil {
		return fmt.Errorf("hypcore: table_init: allocating host stage-1 root: %w", err)
	}
	s2, err := c.Arena.AllocTable(registry.HostVMID)
	if err != nil {
		return fmt.Errorf("hypcore: table_init: allocating host stage-2 root: %w", err)
	}

	host.S1Root = s1
	host.S2Root = s2
	host.Levels = 4
	c.HostS2Root = s2

	log.WithField("s1_root", s1).WithField("s2_root", s2).Info("host info")

	return nil
}

// EnableMMU mirrors enable_mmu(): a full TLB invalidate, a barrier
// pair, and writing the MAIR/TCR/TTBR/SCTLR register set, after which
// MachineReady flips true and the remapper's break-before-make path
// becomes live.
func (c *Core) EnableMMU(mair, tcr, sctlr uint64) {
	c.Ops.TLBIAllEL1IS()
	c.Ops.TLBIAllEL2IS()
	c.Ops.DSBISH()
	c.Ops.ISB()

	c.Ops.WriteReg(archops.MAIREL2, mair)
	c.Ops.WriteReg(archops.TCREL2, tcr)
	c.Ops.WriteReg(archops.TTBR0EL2, uint64(c.registryHostS1())*desc.PageSize)
	c.Ops.WriteReg(archops.VTTBREL2, uint64(c.HostS2Root)*desc.PageSize)
	c.Ops.WriteReg(archops.SCTLREL2, sctlr)
	c.Ops.ISB()

	c.Remap.MachineReady = true

	log.Info("mmu enabled")
}

func (c *Core) registryHostS1() uint32 {
	host, err := c.Registry.ByVMID(registry.HostVMID)
	if err != nil {
		return 0
	}
	return uint32(host.S1Root)
}
