// Package governor implements the memory governor of spec.md §4.H: the
// mapping policy that governs when a guest may map a page, when a host
// page must be detached, and how page contents are measured to detect
// tampering across unmap/remap.
package governor

import (
	"fmt"

	"github.com/arm64hv/core/internal/archops"
	"github.com/arm64hv/core/internal/arena"
	"github.com/arm64hv/core/internal/desc"
	"github.com/arm64hv/core/internal/hvapi"
	"github.com/arm64hv/core/internal/hvlog"
	"github.com/arm64hv/core/internal/registry"
	"github.com/arm64hv/core/internal/remap"
	"github.com/arm64hv/core/internal/walker"
)

var log = hvlog.For("governor")

// PageReadWriter lets the governor read and zero physical pages without
// owning a model of host physical memory itself — a second
// out-of-scope collaborator alongside HostMemoryMap.
type PageReadWriter interface {
	ReadPage(paddr uint64) ([]byte, error)
	WritePage(paddr uint64, data []byte) error
	ZeroPage(paddr uint64) error
}

// Governor ties the registry, the remap engine, host memory, and page
// measurement together into the policies of spec.md §4.H.
type Governor struct {
	Registry *registry.Registry
	Remap    *remap.Engine
	Host     HostMemoryMap
	Pages    PageReadWriter

	MaxSlotPages    uint64
	MaxMemSlots     int
	MaxPagingBlocks int

	// StrictConflictingMap resolves the lenient-conflict Open Question
	// (spec.md §9, SPEC_FULL.md resolution): false preserves the
	// documented legacy leniency.
	StrictConflictingMap bool

	measurements map[uint8]*measurementTable
}

// New constructs a Governor. maxSlotPages/maxMemSlots/maxPagingBlocks
// should come from config.Boot.
func New(reg *registry.Registry, re *remap.Engine, host HostMemoryMap, pages PageReadWriter, maxSlotPages uint64, maxMemSlots, maxPagingBlocks int, strict bool) *Governor {
	return &Governor{
		Registry:             reg,
		Remap:                re,
		Host:                 host,
		Pages:                pages,
		MaxSlotPages:         maxSlotPages,
		MaxMemSlots:          maxMemSlots,
		MaxPagingBlocks:      maxPagingBlocks,
		StrictConflictingMap: strict,
		measurements:         make(map[uint8]*measurementTable),
	}
}

func (g *Governor) measureTableFor(vmid uint8) *measurementTable {
	mt, ok := g.measurements[vmid]
	if !ok {
		mt = newMeasurementTable(g.MaxPagingBlocks)
		g.measurements[vmid] = mt
	}
	return mt
}

// sameAttrs reports whether the leaf descriptor res already resolves to
// has the same type and protection as want, by decoding the descriptor
// word at res.TableRef/res.Index directly (spec.md:149, core/guest.c's
// "maptype == newtype && mapprot == prot" no-op test).
func sameAttrs(a *arena.Arena, res walker.Result, want desc.Prot) bool {
	existing := desc.Decode(desc.StageS2, a.Table(res.TableRef)[res.Index])
	return existing.Type == want.Type &&
		existing.Write == want.Write &&
		existing.Exec == want.Exec &&
		existing.Shareable == want.Shareable
}

// inSlot reports whether [vaddr, vaddr+length) lies entirely within one
// of d's declared memory slots (spec.md §4.H precondition 1).
func inSlot(d *registry.Descriptor, vaddr, length uint64) bool {
	for _, s := range d.Slots {
		if vaddr >= s.GuestBase && vaddr+length <= s.GuestBase+s.Length {
			return true
		}
	}
	return false
}

// GuestMapRange implements guest_map_range (§4.H).
func (g *Governor) GuestMapRange(d *registry.Descriptor, vaddr, paddr, length uint64, prot desc.Prot) error {
	if vaddr == 0 || paddr == 0 {
		return fmt.Errorf("governor: guest_map_range: null address: %w", hvapi.ErrInval)
	}
	if length == 0 || length%desc.PageSize != 0 {
		return fmt.Errorf("governor: guest_map_range: length %#x not a positive page multiple: %w", length, hvapi.ErrInval)
	}
	if !inSlot(d, vaddr, length) {
		return fmt.Errorf("governor: guest_map_range: [%#x,%#x) outside declared slots: %w", vaddr, vaddr+length, hvapi.ErrInval)
	}

	mt := g.measureTableFor(d.VMID)

	noop := true

	for off := uint64(0); off < length; off += desc.PageSize {
		v := vaddr + off
		p := paddr + off

		res := walker.Walk(g.Remap.Arena, g.Remap.Cfg, d.S2Root, v, d.Levels)

		switch {
		case res.Found && res.Paddr == p && sameAttrs(g.Remap.Arena, res, prot):
			// identical paddr, type and protection already mapped: no-op
			// page (original's "(taddr == page_paddr) && (maptype ==
			// newtype) && (mapprot == prot)" at core/guest.c).
			continue

		case res.Found && res.Paddr == p:
			// same paddr but a different type/protection: not a no-op,
			// the mapping must be reinstalled with the new attributes.
			noop = false
			continue

		case res.Found && res.Paddr != p:
			if g.StrictConflictingMap {
				return fmt.Errorf("governor: guest_map_range: vaddr %#x already mapped to %#x, requested %#x: %w", v, res.Paddr, p, hvapi.ErrPerm)
			}
			hvlog.ConflictingMap(d.VMID, v, p, res.Paddr)
			noop = false
			continue

		default:
			if meas, ok := mt.lookup(p); ok && meas.GuestID == d.VMID {
				buf, err := g.Pages.ReadPage(p)
				if err != nil {
					return fmt.Errorf("governor: guest_map_range: reading %#x for verification: %w", p, hvapi.ErrFault)
				}
				if calcHash(buf) != meas.Digest {
					return fmt.Errorf("governor: guest_map_range: content mismatch at %#x: %w", p, hvapi.ErrInval)
				}
			}
			noop = false
		}
	}

	if noop {
		return nil
	}

	prot.DBM = true

	if err := g.Remap.MmapRange(remap.Range{
		Root:      d.S2Root,
		Stage:     desc.StageS2,
		Vaddr:     vaddr,
		Paddr:     paddr,
		Len:       length,
		Prot:      prot,
		Type:      prot.Type,
		MaxLevels: d.Levels,
		Owner:     d.VMID,
	}); err != nil {
		return fmt.Errorf("governor: guest_map_range: installing stage-2 mapping: %w", err)
	}

	if err := g.Host.Detach(paddr, length); err != nil {
		log.WithError(err).Warn("guest_map_range: detaching range from host map")
	}

	return nil
}

// GuestUnmapRange implements guest_unmap_range (§4.H). Partial failure
// is reported via hvapi.Result, packing the page count already
// processed into the upper bits.
func (g *Governor) GuestUnmapRange(d *registry.Descriptor, vaddr, length uint64, measure bool) hvapi.Result {
	mt := g.measureTableFor(d.VMID)

	var pages uint64

	for off := uint64(0); off < length; off += desc.PageSize {
		v := vaddr + off

		res := walker.Walk(g.Remap.Arena, g.Remap.Cfg, d.S2Root, v, d.Levels)
		if !res.Found {
			pages++
			continue
		}

		p := res.Paddr

		if measure {
			buf, err := g.Pages.ReadPage(p)
			if err != nil {
				return hvapi.PackResult(fmt.Errorf("%w", hvapi.ErrFault), pages)
			}
			mt.insert(registry.Measurement{
				Paddr:   p,
				Length:  desc.PageSize,
				GuestID: d.VMID,
				Digest:  calcHash(buf),
			})
		}

		if err := g.Pages.ZeroPage(p); err != nil {
			return hvapi.PackResult(fmt.Errorf("%w", hvapi.ErrFault), pages)
		}

		if err := g.Remap.UnmapRange(remap.Range{
			Root:      d.S2Root,
			Stage:     desc.StageS2,
			Vaddr:     v,
			Len:       desc.PageSize,
			MaxLevels: d.Levels,
			Owner:     d.VMID,
		}); err != nil {
			return hvapi.PackResult(err, pages)
		}

		if err := g.Host.Restore(p, desc.PageSize); err != nil {
			log.WithError(err).Warn("guest_unmap_range: restoring host mapping")
		}

		pages++
	}

	return hvapi.PackResult(nil, pages)
}

// UpdateMemslot implements update_memslot (§4.H): appends a slot if
// non-overlapping, rejecting if the declared page count or slot count
// exceeds the configured bounds.
func (g *Governor) UpdateMemslot(d *registry.Descriptor, slot registry.Slot) error {
	pages := slot.Length / desc.PageSize
	if pages > g.MaxSlotPages {
		return fmt.Errorf("governor: update_memslot: %d pages exceeds max %d: %w", pages, g.MaxSlotPages, hvapi.ErrInval)
	}
	if len(d.Slots) >= g.MaxMemSlots {
		return fmt.Errorf("governor: update_memslot: slot count at max %d: %w", g.MaxMemSlots, hvapi.ErrNoSpace)
	}

	for _, s := range d.Slots {
		if overlaps(s, slot) {
			return fmt.Errorf("governor: update_memslot: [%#x,%#x) overlaps existing slot: %w", slot.GuestBase, slot.GuestBase+slot.Length, hvapi.ErrInval)
		}
	}

	d.Slots = append(d.Slots, slot)

	return nil
}

func overlaps(a, b registry.Slot) bool {
	aEnd := a.GuestBase + a.Length
	bEnd := b.GuestBase + b.Length
	return a.GuestBase < bEnd && b.GuestBase < aEnd
}

// UserCopy implements guest_user_copy (§4.H): copies count bytes between
// the host kernel view and a guest user view (SPEC_FULL.md supplemented
// feature 3). The toUser flag alone selects the direction: with toUser,
// dest resolves through the guest's stage-1 root d.S1Root and src
// through the host kernel root read from TTBR1_EL1; without it, the
// reverse. The addresses are not classified by which half of the
// address space they lie in.
func (g *Governor) UserCopy(ops archops.Ops, d *registry.Descriptor, dest, src, count uint64, toUser bool) error {
	var userAddr uint64
	if toUser {
		userAddr = dest
	} else {
		userAddr = src
	}

	if !inSlot(d, userAddr, count) {
		return fmt.Errorf("governor: guest_user_copy: user address %#x outside declared slots: %w", userAddr, hvapi.ErrInval)
	}

	kernelRoot := arena.Ref(ops.ReadReg(archops.TTBR1EL1) / desc.PageSize)
	userRoot := d.S1Root

	var fromRoot, toRoot arena.Ref
	if toUser {
		fromRoot, toRoot = kernelRoot, userRoot
	} else {
		fromRoot, toRoot = userRoot, kernelRoot
	}

	// Copy count bytes from src to dest one physical page at a time: each
	// chunk is bounded by whichever of the src/dest addresses hits its
	// page boundary first, since the two sides are resolved through
	// independent stage-1 roots and need not share a common page base.
	for off := uint64(0); off < count; {
		srcAddr := src + off
		destAddr := dest + off

		chunk := count - off
		if r := desc.PageSize - (srcAddr % desc.PageSize); r < chunk {
			chunk = r
		}
		if r := desc.PageSize - (destAddr % desc.PageSize); r < chunk {
			chunk = r
		}

		srcRes := walker.Walk(g.Remap.Arena, g.Remap.Cfg, fromRoot, srcAddr, d.Levels)
		if !srcRes.Found {
			return fmt.Errorf("governor: guest_user_copy: source address %#x unmapped: %w", srcAddr, hvapi.ErrFault)
		}
		destRes := walker.Walk(g.Remap.Arena, g.Remap.Cfg, toRoot, destAddr, d.Levels)
		if !destRes.Found {
			return fmt.Errorf("governor: guest_user_copy: destination address %#x unmapped: %w", destAddr, hvapi.ErrFault)
		}

		srcPage, err := g.Pages.ReadPage(srcRes.Paddr)
		if err != nil {
			return fmt.Errorf("governor: guest_user_copy: reading %#x: %w", srcRes.Paddr, hvapi.ErrFault)
		}
		destPage, err := g.Pages.ReadPage(destRes.Paddr)
		if err != nil {
			return fmt.Errorf("governor: guest_user_copy: reading %#x: %w", destRes.Paddr, hvapi.ErrFault)
		}

		srcOff := srcRes.Paddr % desc.PageSize
		destOff := destRes.Paddr % desc.PageSize
		copy(destPage[destOff:destOff+chunk], srcPage[srcOff:srcOff+chunk])

		if err := g.Pages.WritePage(destRes.Paddr, destPage); err != nil {
			return fmt.Errorf("governor: guest_user_copy: writing %#x: %w", destRes.Paddr, hvapi.ErrFault)
		}

		off += chunk
	}

	return nil
}

// FreeGuest restores host mappings for every page the guest had
// detached, forgets its measurement entries, and tears down its
// registry slot — spec.md §4.G: "free_guest ... restores host mappings
// for every page the guest had detached from the host, frees all arena
// tables owned by the guest's id, clears the descriptor slot."
func (g *Governor) FreeGuest(d *registry.Descriptor) error {
	vmid := d.VMID

	if err := g.Host.RestoreAll(vmid); err != nil {
		log.WithError(err).Warn("free_guest: restoring host mappings")
	}

	g.measureTableFor(vmid).forgetGuest(vmid)
	delete(g.measurements, vmid)

	return g.Registry.FreeGuest(d)
}
