//go:build linux

package memflow

import (
	"strconv"

	"github.com/orizon-lang/memflow/internal/archspec"
	"github.com/orizon-lang/memflow/internal/connarg"
	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memmap"
	"github.com/orizon-lang/memflow/internal/physmem"
)

// openProcMem opens a QEMU host process's guest RAM through
// /proc/<pid>/mem, using the "pid", "hostbase", and "memsize" connector
// arguments (hostbase defaults to 0, which is only correct if the caller
// has already located the guest-RAM mapping's base in the QEMU process's
// own address space some other way; memsize is the guest RAM size in
// bytes and is required since /proc/pid/mem carries no size of its own).
func openProcMem(args connarg.Args, arch *archspec.Spec, readonly bool) (*Connector, error) {
	pidStr, ok := args.Get("pid")
	if !ok {
		return nil, memerr.New(memerr.ConnectorCannotOpen, "procmem connector requires a pid argument")
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, memerr.Wrap(memerr.ConnectorCannotOpen, err, "parsing pid %q", pidStr)
	}

	hostBase, err := strconv.ParseInt(args.GetOr("hostbase", "0"), 0, 64)
	if err != nil {
		return nil, memerr.Wrap(memerr.ConnectorCannotOpen, err, "parsing hostbase %q", args.GetOr("hostbase", "0"))
	}

	memsizeStr, ok := args.Get("memsize")
	if !ok {
		return nil, memerr.New(memerr.ConnectorCannotOpen, "procmem connector requires a memsize argument")
	}

	memsize, err := strconv.ParseUint(memsizeStr, 0, 64)
	if err != nil {
		return nil, memerr.Wrap(memerr.ConnectorCannotOpen, err, "parsing memsize %q", memsizeStr)
	}

	backend, err := physmem.NewProcMem(pid, hostBase, readonly)
	if err != nil {
		return nil, err
	}

	m := memmap.New()
	if err := m.Push(0, memsize, 0); err != nil {
		return nil, err
	}

	backend.SetMap(m)

	return &Connector{backend: backend, args: args, arch: arch, closeFn: backend.Close}, nil
}
