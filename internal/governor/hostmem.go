package governor

// HostMemoryMap is the host kernel's own stage-2 map, out of scope per
// spec.md §1 ("the host kernel driver and its ioctl surface") but
// required as a collaborator by guest_map_range/guest_unmap_range/
// free_guest. The original delegates to an mm.c not present in the
// retrieved source; this interface is the seam the governor calls
// through, matching spec.md's supplemented bookkeeping (SPEC_FULL.md
// item 5: restore_host_range/remove_host_range/restore_host_mappings).
type HostMemoryMap interface {
	// Detach removes [paddr, paddr+length) from the host's stage-2 map
	// so the host can no longer address memory a guest now owns
	// (restore_host_range's inverse, called from guest_map_range).
	Detach(paddr, length uint64) error

	// Restore re-admits [paddr, paddr+length) to the host's stage-2 map
	// (restore_host_range, called from guest_unmap_range).
	Restore(paddr, length uint64) error

	// RestoreAll re-admits every range previously detached for vmid, used
	// by FreeGuest (restore_host_mappings's bulk form).
	RestoreAll(vmid uint8) error
}

// NullHostMemoryMap is a no-op HostMemoryMap, used by cmd/hvctl and
// tests that exercise the governor without a real host-kernel driver
// behind it.
type NullHostMemoryMap struct{}

func (NullHostMemoryMap) Detach(uint64, uint64) error    { return nil }
func (NullHostMemoryMap) Restore(uint64, uint64) error   { return nil }
func (NullHostMemoryMap) RestoreAll(uint8) error          { return nil }
