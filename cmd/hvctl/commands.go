package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/arm64hv/core/internal/desc"
	"github.com/arm64hv/core/internal/registry"
	"github.com/arm64hv/core/internal/walker"
)

type mapCmd struct {
	config string
	vaddr  uint64
	paddr  uint64
	length uint64
	vmid   uint64
}

func (*mapCmd) Name() string     { return "map" }
func (*mapCmd) Synopsis() string { return "map a guest physical range into a guest's stage-2" }
func (*mapCmd) Usage() string    { return "map -vmid N -vaddr V -paddr P -len L\n" }

func (c *mapCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a TOML boot configuration")
	f.Uint64Var(&c.vaddr, "vaddr", 0, "guest-physical address")
	f.Uint64Var(&c.paddr, "paddr", 0, "host-physical address")
	f.Uint64Var(&c.length, "len", 4096, "length in bytes")
	f.Uint64Var(&c.vmid, "vmid", 1, "guest id")
}

func (c *mapCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	core, err := newCore(c.config)
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	d, err := core.Registry.NewGuest(uint8(c.vmid), 4)
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	if err := core.Governor.UpdateMemslot(d, registry.Slot{GuestBase: c.vaddr, Length: c.length, HostVA: c.paddr}); err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	prot := desc.Prot{Write: true, Exec: false, Type: desc.MemNormalWB, Shareable: true}

	if err := core.Governor.GuestMapRange(d, c.vaddr, c.paddr, c.length, prot); err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("mapped vmid=%d %#x -> %#x (%d bytes)\n", c.vmid, c.vaddr, c.paddr, c.length)

	return subcommands.ExitSuccess
}

type unmapCmd struct {
	config  string
	vaddr   uint64
	length  uint64
	vmid    uint64
	measure bool
}

func (*unmapCmd) Name() string     { return "unmap" }
func (*unmapCmd) Synopsis() string { return "unmap a guest range from a guest's stage-2" }
func (*unmapCmd) Usage() string    { return "unmap -vmid N -vaddr V -len L [-measure]\n" }

func (c *unmapCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a TOML boot configuration")
	f.Uint64Var(&c.vaddr, "vaddr", 0, "guest-physical address")
	f.Uint64Var(&c.length, "len", 4096, "length in bytes")
	f.Uint64Var(&c.vmid, "vmid", 1, "guest id")
	f.BoolVar(&c.measure, "measure", false, "record a content digest before unmapping")
}

func (c *unmapCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	core, err := newCore(c.config)
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	d, err := core.Registry.ByVMID(uint8(c.vmid))
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	res := core.Governor.GuestUnmapRange(d, c.vaddr, c.length, c.measure)
	fmt.Printf("unmap result: code=%d pages=%d\n", res.Code(), res.Pages())

	if !res.OK() {
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

type walkCmd struct {
	config string
	vaddr  uint64
	vmid   uint64
}

func (*walkCmd) Name() string     { return "walk" }
func (*walkCmd) Synopsis() string { return "walk a guest's stage-2 for a virtual address" }
func (*walkCmd) Usage() string    { return "walk -vmid N -vaddr V\n" }

func (c *walkCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a TOML boot configuration")
	f.Uint64Var(&c.vaddr, "vaddr", 0, "guest-physical address")
	f.Uint64Var(&c.vmid, "vmid", 1, "guest id")
}

func (c *walkCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	core, err := newCore(c.config)
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	d, err := core.Registry.ByVMID(uint8(c.vmid))
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	res := walker.Walk(core.Arena, core.Cfg, d.S2Root, c.vaddr, d.Levels)
	if !res.Found {
		fmt.Println("unmapped")
		return subcommands.ExitSuccess
	}

	fmt.Printf("paddr=%#x level=%d\n", res.Paddr, res.Level)

	return subcommands.ExitSuccess
}

type guestsCmd struct {
	config string
}

func (*guestsCmd) Name() string     { return "guests" }
func (*guestsCmd) Synopsis() string { return "list registered guests" }
func (*guestsCmd) Usage() string    { return "guests\n" }

func (c *guestsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a TOML boot configuration")
}

func (c *guestsCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	core, err := newCore(c.config)
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	for _, d := range core.Registry.All() {
		fmt.Printf("vmid=%d state=%s s1=%d s2=%d slots=%d\n", d.VMID, d.State, d.S1Root, d.S2Root, len(d.Slots))
	}

	return subcommands.ExitSuccess
}

type arenaStatsCmd struct {
	config string
}

func (*arenaStatsCmd) Name() string     { return "arena-stats" }
func (*arenaStatsCmd) Synopsis() string { return "report table arena occupancy" }
func (*arenaStatsCmd) Usage() string    { return "arena-stats\n" }

func (c *arenaStatsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a TOML boot configuration")
}

func (c *arenaStatsCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	core, err := newCore(c.config)
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	stats := core.Arena.Stats()
	fmt.Printf("capacity=%d in_use=%d\n", stats.Capacity, stats.InUse)

	return subcommands.ExitSuccess
}

type usercopyCmd struct {
	config string
	vmid   uint64
	dest   uint64
	src    uint64
	count  uint64
	toUser bool
}

func (*usercopyCmd) Name() string     { return "usercopy" }
func (*usercopyCmd) Synopsis() string { return "copy bytes between a guest's user view and the host kernel view" }
func (*usercopyCmd) Usage() string    { return "usercopy -vmid N -dest D -src S -count C [-to-user]\n" }

func (c *usercopyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a TOML boot configuration")
	f.Uint64Var(&c.vmid, "vmid", 1, "guest id")
	f.Uint64Var(&c.dest, "dest", 0, "destination address")
	f.Uint64Var(&c.src, "src", 0, "source address")
	f.Uint64Var(&c.count, "count", 0, "byte count")
	f.BoolVar(&c.toUser, "to-user", false, "dest is the guest user address (copy kernel -> user)")
}

func (c *usercopyCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	core, err := newCore(c.config)
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	d, err := core.Registry.ByVMID(uint8(c.vmid))
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	if err := core.Governor.UserCopy(core.Ops, d, c.dest, c.src, c.count, c.toUser); err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("copied %d bytes %#x -> %#x\n", c.count, c.src, c.dest)

	return subcommands.ExitSuccess
}

type initHandleCmd struct {
	config string
	handle uint64
	vmid   uint64
	levels uint64
	free   bool
}

func (*initHandleCmd) Name() string { return "init-handle" }
func (*initHandleCmd) Synopsis() string {
	return "resolve a host-VM handle, promote it to a guest id, and optionally free it"
}
func (*initHandleCmd) Usage() string {
	return "init-handle -handle H -vmid N [-levels L] [-free]\n"
}

func (c *initHandleCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a TOML boot configuration")
	f.Uint64Var(&c.handle, "handle", 0, "host-VM handle")
	f.Uint64Var(&c.vmid, "vmid", 0, "guest id to promote to (0 = auto-assign)")
	f.Uint64Var(&c.levels, "levels", 4, "number of translation-table levels")
	f.BoolVar(&c.free, "free", false, "free the guest immediately after promoting it")
}

func (c *initHandleCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	core, err := newCore(c.config)
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	d, err := core.Registry.ByHostHandle(c.handle)
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	var vmid uint8
	if c.vmid == 0 {
		vmid, err = core.Registry.PromoteNext(d, int(c.levels))
	} else {
		vmid = uint8(c.vmid)
		err = core.Registry.Promote(d, vmid, int(c.levels))
	}
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("handle=%#x promoted to vmid=%d s1=%d s2=%d\n", c.handle, vmid, d.S1Root, d.S2Root)

	if c.free {
		if err := core.Governor.FreeGuest(d); err != nil {
			fmt.Println("hvctl:", err)
			return subcommands.ExitFailure
		}
		fmt.Printf("vmid=%d freed\n", vmid)
	}

	return subcommands.ExitSuccess
}

type dumpCmd struct {
	config string
	vmid   uint64
	vaddr  uint64
	length uint64
}

func (*dumpCmd) Name() string     { return "dump" }
func (*dumpCmd) Synopsis() string { return "dump contiguous mapping runs over a range (debug only)" }
func (*dumpCmd) Usage() string    { return "dump -vmid N -vaddr V -len L\n" }

func (c *dumpCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a TOML boot configuration")
	f.Uint64Var(&c.vmid, "vmid", 1, "guest id")
	f.Uint64Var(&c.vaddr, "vaddr", 0, "guest-physical address")
	f.Uint64Var(&c.length, "len", 1<<20, "range length in bytes")
}

func (c *dumpCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	core, err := newCore(c.config)
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}
	if !core.Boot.Debug {
		fmt.Println("hvctl: dump requires debug = true in the boot configuration")
		return subcommands.ExitFailure
	}

	d, err := core.Registry.ByVMID(uint8(c.vmid))
	if err != nil {
		fmt.Println("hvctl:", err)
		return subcommands.ExitFailure
	}

	for _, m := range walker.DumpRange(core.Arena, core.Cfg, d.S2Root, c.vaddr, c.length, d.Levels) {
		fmt.Printf("%#x +%#x level=%d\n", m.Base, m.Length, m.Level)
	}

	return subcommands.ExitSuccess
}
