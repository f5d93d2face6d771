// Package hvlog wraps logrus with per-subsystem entries so every package
// in the core logs with a consistent "subsystem" field instead of ad hoc
// fmt.Printf calls.
package hvlog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	base = logrus.New()

	mu      sync.Mutex
	entries = make(map[string]*logrus.Entry)
)

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel adjusts the global log level; config.Boot applies this at
// startup from its Debug field.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// For returns the cached *logrus.Entry for a subsystem, creating one on
// first use.
func For(subsystem string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()

	if e, ok := entries[subsystem]; ok {
		return e
	}

	e := base.WithField("subsystem", subsystem)
	entries[subsystem] = e

	return e
}

// ConflictingMap logs the documented leniency (spec §9): a guest page
// mapped to a different physical address than requested. It always
// carries a stable "event" field so it can be alerted on without string
// matching.
func ConflictingMap(guestID uint8, vaddr, wantPaddr, gotPaddr uint64) {
	For("governor").WithFields(logrus.Fields{
		"event":      "conflicting_map",
		"guest_id":   guestID,
		"vaddr":      vaddr,
		"want_paddr": wantPaddr,
		"got_paddr":  gotPaddr,
	}).Warn("page already mapped to a different physical address; continuing per legacy leniency")
}
