// Package registry implements the guest registry of spec.md §4.G: a
// bounded table of guest descriptors, lookup by guest id, host-VM
// handle, stage-1 root, and stage-2 root, plus the admission/teardown
// lifecycle.
package registry

import (
	"fmt"

	"github.com/mohae/deepcopy"

	"github.com/arm64hv/core/internal/arena"
	"github.com/arm64hv/core/internal/archops"
	"github.com/arm64hv/core/internal/hvapi"
)

// HostVMID is the sentinel guest id denoting the host itself (spec.md §3).
const HostVMID uint8 = 0

// State is the guest lifecycle state machine of spec.md §4.G.
type State int

const (
	StateInvalid State = iota
	StateStopped
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Slot is a declared region of guest-physical address space backed by
// host memory (the GLOSSARY's "Slot").
type Slot struct {
	GuestBase uint64
	Length    uint64
	HostVA    uint64
}

// Measurement is one entry of a guest's page-measurement table (§3):
// physical address, length, guest id, and content digest.
type Measurement struct {
	Paddr  uint64
	Length uint64
	GuestID uint8
	Digest [32]byte
}

// Descriptor is one guest's full record (spec.md §3 "Guest descriptor").
type Descriptor struct {
	HostHandle uint64 // canonicalized host-VM handle
	VMID       uint8
	S1Root     arena.Ref
	S2Root     arena.Ref
	Levels     int
	State      State
	Slots      []Slot

	// used marks this slot as occupied in the bounded table, since
	// VMID == HostVMID (0) is itself a valid id for the host's own
	// entry and cannot double as "empty".
	used bool
}

// Registry is the bounded MAX_GUESTS-sized table.
type Registry struct {
	entries []Descriptor
	arena   *arena.Arena
	ops     archops.Ops

	nextVMID uint8
}

// New constructs a registry with capacity maxGuests, backed by a for
// stage-2 root allocation and ops for host-handle canonicalization.
func New(maxGuests uint8, a *arena.Arena, ops archops.Ops) *Registry {
	return &Registry{
		entries:  make([]Descriptor, maxGuests),
		arena:    a,
		ops:      ops,
		nextVMID: 1, // VMID 0 is reserved for HostVMID
	}
}

// ByVMID scans linearly for vmid. For HostVMID, the first slot whose
// VMID equals HostVMID is returned, allocating a free slot on demand —
// spec.md §4.G: "for HOST_VMID the first slot with vmid == HOST_VMID is
// returned, allocating a free slot on demand."
func (r *Registry) ByVMID(vmid uint8) (*Descriptor, error) {
	for i := range r.entries {
		if r.entries[i].used && r.entries[i].VMID == vmid {
			return &r.entries[i], nil
		}
	}

	if vmid == HostVMID {
		slot, err := r.claimFree()
		if err != nil {
			return nil, err
		}
		slot.VMID = HostVMID
		slot.State = StateStopped
		return slot, nil
	}

	return nil, fmt.Errorf("registry: no guest with vmid %d: %w", vmid, hvapi.ErrNoEnt)
}

// ByHostHandle scans for a guest by its canonicalized host-VM handle.
// On miss, InitGuest is called and the scan is retried exactly once
// before failing, per spec.md §4.G.
func (r *Registry) ByHostHandle(handle uint64) (*Descriptor, error) {
	canon := r.ops.KernHypVA(handle)

	if d := r.findByHandle(canon); d != nil {
		return d, nil
	}

	if _, err := r.InitGuest(handle); err != nil {
		return nil, fmt.Errorf("registry: lookup by handle %#x: init failed: %w", handle, err)
	}

	if d := r.findByHandle(canon); d != nil {
		return d, nil
	}

	return nil, fmt.Errorf("registry: no guest with handle %#x after init retry: %w", handle, hvapi.ErrNoEnt)
}

func (r *Registry) findByHandle(canon uint64) *Descriptor {
	for i := range r.entries {
		if r.entries[i].used && r.entries[i].HostHandle == canon {
			return &r.entries[i]
		}
	}
	return nil
}

// ByS1Root scans for the guest whose captured stage-1 root matches.
func (r *Registry) ByS1Root(root arena.Ref) (*Descriptor, error) {
	for i := range r.entries {
		if r.entries[i].used && r.entries[i].S1Root == root {
			return &r.entries[i], nil
		}
	}
	return nil, fmt.Errorf("registry: no guest with stage-1 root %d: %w", root, hvapi.ErrNoEnt)
}

// ByS2Root scans for the guest whose stage-2 root matches.
func (r *Registry) ByS2Root(root arena.Ref) (*Descriptor, error) {
	for i := range r.entries {
		if r.entries[i].used && r.entries[i].S2Root == root {
			return &r.entries[i], nil
		}
	}
	return nil, fmt.Errorf("registry: no guest with stage-2 root %d: %w", root, hvapi.ErrNoEnt)
}

func (r *Registry) claimFree() (*Descriptor, error) {
	for i := range r.entries {
		if !r.entries[i].used {
			r.entries[i] = Descriptor{used: true}
			return &r.entries[i], nil
		}
	}
	return nil, fmt.Errorf("registry: no free guest slots (capacity %d): %w", len(r.entries), hvapi.ErrNoSpace)
}

// InitGuest implements init_guest (§4.G): canonicalizes handle, finds
// an existing slot or claims a free one, allocates a stage-2 root
// attributed to HostVMID (the guest has no id of its own yet), and
// captures the caller's current stage-1 root register as an
// observation (not ownership — §9 "Stage-1 root capture").
func (r *Registry) InitGuest(handle uint64) (*Descriptor, error) {
	canon := r.ops.KernHypVA(handle)

	if d := r.findByHandle(canon); d != nil {
		return d, nil
	}

	d, err := r.claimFree()
	if err != nil {
		return nil, fmt.Errorf("registry: init_guest: %w", err)
	}

	s2Root, err := r.arena.AllocTable(HostVMID)
	if err != nil {
		d.used = false
		return nil, fmt.Errorf("registry: init_guest: allocating stage-2 root: %w", err)
	}

	d.HostHandle = canon
	d.VMID = HostVMID
	d.S2Root = s2Root
	d.S1Root = arena.Ref(r.ops.ReadReg(archops.TTBR0EL1) / 4096)
	d.State = StateStopped

	return d, nil
}

// NewGuest claims a free slot for an explicit guest id and allocates a
// stage-2 root owned by that id. Unlike InitGuest (which is keyed off a
// host-VM handle and defers id assignment to the host kernel), callers
// here already know vmid: this is cmd/hvctl and tests driving the core
// without a host kernel behind them.
func (r *Registry) NewGuest(vmid uint8, levels int) (*Descriptor, error) {
	if vmid == HostVMID {
		return nil, fmt.Errorf("registry: new_guest: vmid 0 is reserved for the host: %w", hvapi.ErrInval)
	}

	if d := r.byVMIDUnchecked(vmid); d != nil {
		return d, nil
	}

	d, err := r.claimFree()
	if err != nil {
		return nil, fmt.Errorf("registry: new_guest: %w", err)
	}

	s2Root, err := r.arena.AllocTable(vmid)
	if err != nil {
		d.used = false
		return nil, fmt.Errorf("registry: new_guest: allocating stage-2 root: %w", err)
	}
	s1Root, err := r.arena.AllocTable(vmid)
	if err != nil {
		r.arena.FreeTable(s2Root)
		d.used = false
		return nil, fmt.Errorf("registry: new_guest: allocating stage-1 root: %w", err)
	}

	d.VMID = vmid
	d.S1Root = s1Root
	d.S2Root = s2Root
	d.Levels = levels
	d.State = StateStopped

	return d, nil
}

func (r *Registry) byVMIDUnchecked(vmid uint8) *Descriptor {
	for i := range r.entries {
		if r.entries[i].used && r.entries[i].VMID == vmid {
			return &r.entries[i]
		}
	}
	return nil
}

// Enable transitions stopped -> running.
func (r *Registry) Enable(d *Descriptor) {
	d.State = StateRunning
}

// Stop transitions running -> stopped.
func (r *Registry) Stop(d *Descriptor) {
	d.State = StateStopped
}

// FreeGuest implements free_guest (§4.G): frees every arena table owned
// by the guest's id and clears the descriptor slot. The core asserts
// only that vmid != 0, matching spec.md's "free_guest requires vmid !=
// 0". Restoring host mappings for detached pages is the governor's
// responsibility (internal/governor.HostMemoryMap) and must be done by
// the caller before invoking FreeGuest.
func (r *Registry) FreeGuest(d *Descriptor) error {
	if d.VMID == HostVMID {
		hvapi.Abort("registry: free_guest called with vmid == 0")
	}

	r.arena.FreeGuestTables(d.VMID)
	*d = Descriptor{}

	return nil
}

// Promote transitions a descriptor still tagged with the HostVMID
// placeholder InitGuest/ByHostHandle leave it with (the guest "has no id
// of its own yet", spec.md §4.G) to its real, host-assigned guest id.
// This is the seam for the one mechanism spec.md deliberately drops as
// host-kernel-internal: the original's get_guest(vmid) re-syncs a
// guest's vmid from KVM_GET_VMID(guest->kvm) on every lookup
// (original_source/core/guest.c:57-65); here the host-integration
// boundary calls Promote once, when it has resolved a handle to a
// concrete vmid, instead of re-deriving it on every access.
//
// Promote re-owns the stage-2 root InitGuest already allocated under
// HostVMID (arena.Reown, so the table and its mappings survive) and
// allocates a stage-1 root under the real vmid, so FreeGuest becomes
// reachable for this descriptor afterward — before Promote, FreeGuest
// would abort on it (vmid == HostVMID).
func (r *Registry) Promote(d *Descriptor, vmid uint8, levels int) error {
	if vmid == HostVMID {
		return fmt.Errorf("registry: promote: vmid 0 is reserved for the host: %w", hvapi.ErrInval)
	}
	if d.VMID != HostVMID {
		return fmt.Errorf("registry: promote: descriptor already owned by vmid %d: %w", d.VMID, hvapi.ErrInval)
	}
	if d := r.byVMIDUnchecked(vmid); d != nil {
		return fmt.Errorf("registry: promote: vmid %d already in use: %w", vmid, hvapi.ErrInval)
	}

	if err := r.arena.Reown(d.S2Root, vmid); err != nil {
		return fmt.Errorf("registry: promote: reowning stage-2 root: %w", err)
	}

	s1Root, err := r.arena.AllocTable(vmid)
	if err != nil {
		if reownErr := r.arena.Reown(d.S2Root, HostVMID); reownErr != nil {
			hvapi.Abort("registry: promote: rollback reown failed: %v", reownErr)
		}
		return fmt.Errorf("registry: promote: allocating stage-1 root: %w", err)
	}

	d.VMID = vmid
	d.S1Root = s1Root
	d.Levels = levels

	if vmid >= r.nextVMID {
		r.nextVMID = vmid + 1
	}

	return nil
}

// PromoteNext assigns the next unused sequential guest id and promotes d
// to it, for host-integration callers that don't already have a vmid in
// hand. Returns the id assigned.
func (r *Registry) PromoteNext(d *Descriptor, levels int) (uint8, error) {
	vmid := r.nextVMID
	for i := 0; i < 255 && (vmid == HostVMID || r.byVMIDUnchecked(vmid) != nil); i++ {
		vmid++
	}
	if err := r.Promote(d, vmid, levels); err != nil {
		return 0, err
	}
	return vmid, nil
}

// Snapshot returns a deep copy of d for diagnostics (cmd/hvctl guests),
// so callers cannot mutate live registry state through the returned
// value. Mirrors smoynes-elsie's Memory.View() debugging accessor.
func (r *Registry) Snapshot(d *Descriptor) Descriptor {
	return deepcopy.Copy(*d).(Descriptor)
}

// All returns snapshots of every in-use guest descriptor, for
// cmd/hvctl guests.
func (r *Registry) All() []Descriptor {
	var out []Descriptor
	for i := range r.entries {
		if r.entries[i].used {
			out = append(out, r.Snapshot(&r.entries[i]))
		}
	}
	return out
}
