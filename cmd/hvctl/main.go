// Command hvctl is a debug harness that exercises the translation-table
// core end-to-end outside of a real EL2 trap, in the style of
// smoynes-elsie's cmd/elsie driving its internal/ packages from a small
// binary. It is a harness for driving the library, not a hypervisor.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/arm64hv/core/internal/archops"
	"github.com/arm64hv/core/internal/config"
	"github.com/arm64hv/core/internal/governor"
	"github.com/arm64hv/core/internal/hypcore"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&mapCmd{}, "")
	subcommands.Register(&unmapCmd{}, "")
	subcommands.Register(&walkCmd{}, "")
	subcommands.Register(&guestsCmd{}, "")
	subcommands.Register(&initHandleCmd{}, "")
	subcommands.Register(&arenaStatsCmd{}, "")
	subcommands.Register(&usercopyCmd{}, "")
	subcommands.Register(&dumpCmd{}, "")

	flag.Parse()

	os.Exit(int(subcommands.Execute(context.Background())))
}

// newCore builds a Core against a simulated architecture backend and
// in-memory host collaborators, for every subcommand below. Each
// invocation of hvctl is its own process, so there is no state shared
// between commands beyond what a caller scripts via repeated runs
// against the same configuration file.
func newCore(configPath string) (*hypcore.Core, error) {
	boot, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	ops := archops.NewSim(0, 0x8000000000000000)
	host := governor.NullHostMemoryMap{}
	pages := governor.NewSimPages(4096)

	return hypcore.New(boot, ops, host, pages)
}
