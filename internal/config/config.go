// Package config loads the boot-time parameters of the translation-table
// core from a TOML file, falling back to compiled-in defaults that match
// the constants spec.md names directly (MAX_GUESTS, MAX_PAGING_BLOCKS,
// KVM_MEM_SLOTS_NUM, the table arena size, ...).
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Boot holds every parameter the core reads once at startup. None of it
// changes after Init; the core treats it as immutable, process-wide
// configuration exactly as spec.md §9 describes the tdinfo granule
// config and the heap base.
type Boot struct {
	// HeapSize is the length in bytes of the single contiguous region
	// backing the bootstrap allocator (§4.A). Must be a multiple of 8
	// and at least one page.
	HeapSize uint64 `toml:"heap_size"`

	// ArenaTables is the number of fixed-size table slots in the table
	// arena (§3: "at least 8192").
	ArenaTables uint32 `toml:"arena_tables"`

	// MaxGuests bounds the guest registry (§3).
	MaxGuests uint8 `toml:"max_guests"`

	// MaxPagingBlocks bounds each guest's page-measurement table (§3).
	MaxPagingBlocks uint32 `toml:"max_paging_blocks"`

	// MaxMemSlots bounds the number of memory slots a guest may declare
	// (§4.H, KVM_MEM_SLOTS_NUM).
	MaxMemSlots uint32 `toml:"max_mem_slots"`

	// MaxSlotPages bounds a single memslot's declared page count (§4.H,
	// the 0x100000 literal).
	MaxSlotPages uint64 `toml:"max_slot_pages"`

	// StrictConflictingMap resolves the "lenient conflict" open question
	// from spec.md §9. false (the default) preserves the documented
	// legacy leniency: a page already mapped to a different physical
	// address is logged and the call continues. true rejects it with
	// ErrPerm instead.
	StrictConflictingMap bool `toml:"strict_conflicting_map"`

	// Debug enables the introspection dump (cmd/hvctl dump, which
	// renders walker.DumpRange) and lowers the log level to Debug.
	Debug bool `toml:"debug"`
}

// Default returns the compiled-in configuration used when no TOML file
// is supplied, matching the literal constants spec.md names.
func Default() Boot {
	return Boot{
		HeapSize:              64 << 20, // 64 MiB
		ArenaTables:           8192,
		MaxGuests:             64,
		MaxPagingBlocks:       4096,
		MaxMemSlots:           32,
		MaxSlotPages:          0x100000,
		StrictConflictingMap:  false,
		Debug:                 false,
	}
}

// Load reads a TOML file at path, overlaying it on Default(). A missing
// or empty path is not an error: it simply returns the defaults.
func Load(path string) (Boot, error) {
	boot := Default()

	if path == "" {
		return boot, nil
	}

	if _, err := toml.DecodeFile(path, &boot); err != nil {
		return Boot{}, fmt.Errorf("config: decode %s: %w", path, err)
	}

	return boot, nil
}

// Validate checks the invariants the core depends on at construction
// time (§3-4): arena/guest/slot bounds must be non-zero, heap size must
// hold at least one page.
func (b Boot) Validate() error {
	const pageSize = 4096

	if b.HeapSize < pageSize || b.HeapSize%8 != 0 {
		return fmt.Errorf("config: heap_size %d must be >= page size and a multiple of 8", b.HeapSize)
	}
	if b.ArenaTables == 0 {
		return fmt.Errorf("config: arena_tables must be positive")
	}
	if b.MaxGuests == 0 {
		return fmt.Errorf("config: max_guests must be positive")
	}
	if b.MaxPagingBlocks == 0 {
		return fmt.Errorf("config: max_paging_blocks must be positive")
	}
	if b.MaxMemSlots == 0 {
		return fmt.Errorf("config: max_mem_slots must be positive")
	}
	return nil
}

// LogLevel returns the logrus level to apply given Debug.
func (b Boot) LogLevel() logrus.Level {
	if b.Debug {
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}
