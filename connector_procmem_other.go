//go:build !linux

package memflow

import (
	"github.com/orizon-lang/memflow/internal/archspec"
	"github.com/orizon-lang/memflow/internal/connarg"
	"github.com/orizon-lang/memflow/internal/memerr"
)

// openProcMem is unavailable outside Linux: /proc/<pid>/mem has no
// equivalent on other hosts.
func openProcMem(args connarg.Args, arch *archspec.Spec, readonly bool) (*Connector, error) {
	return nil, memerr.New(memerr.ConnectorCannotOpen, "procmem connector is only available on linux")
}
