// Package memflow is the public façade tying together a physical backend,
// the MMU/cache pipeline, kernel discovery, and the Windows process walker
// into the three objects a caller actually holds: a Connector (where bytes
// come from), a VirtualView (translated reads/writes over one directory
// table base), and a System (kernel discovery plus process/module
// enumeration).
package memflow

import (
	"os"
	"strconv"

	"github.com/orizon-lang/memflow/internal/archspec"
	"github.com/orizon-lang/memflow/internal/connarg"
	"github.com/orizon-lang/memflow/internal/crashdump"
	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memmap"
	"github.com/orizon-lang/memflow/internal/physmem"
)

// mappableBackend is satisfied by every physmem.Backend this package can
// construct; SetMap installs the MemoryMap the crash-dump or flat-file path
// builds.
type mappableBackend interface {
	physmem.Backend
	SetMap(*memmap.Map)
}

// closer is satisfied by every backend that owns an open file descriptor.
type closer interface {
	Close() error
}

// Connector owns a physical backend and the parsed argument string it was
// opened with, so later pipeline stages (VirtualView's cache sizing, a
// System's architecture choice) can read options out of the same string the
// backend was selected from.
type Connector struct {
	backend physmem.Backend
	args    connarg.Args
	arch    *archspec.Spec
	closeFn func() error
}

// Backend returns the underlying PhysicalBackend.
func (c *Connector) Backend() physmem.Backend { return c.backend }

// Args returns the connector argument string's parsed key/value pairs.
func (c *Connector) Args() connarg.Args { return c.args }

// Arch returns the architecture this connector's backend is read under.
func (c *Connector) Arch() *archspec.Spec { return c.arch }

// CacheSlots returns the page-cache slot count requested via the
// "cache_size" argument, or 0 if cache_size was absent or non-numeric.
func (c *Connector) CacheSlots() int { return atoiOr(c.args.GetOr("cache_size", ""), 0) }

// TLBSlots returns the TLB slot count requested via the "tlb_size"
// argument, or 0 if tlb_size was absent or non-numeric.
func (c *Connector) TLBSlots() int { return atoiOr(c.args.GetOr("tlb_size", ""), 0) }

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}

	return n
}

// Close releases any file descriptor or mapping this connector's backend
// holds. Safe to call on a Connector whose backend owns no resources.
func (c *Connector) Close() error {
	if c.closeFn == nil {
		return nil
	}

	return c.closeFn()
}

// Open parses argString (comma-separated key=value pairs with an optional
// leading positional path, e.g. "coredump.raw,cache_size=2") and opens the
// matching backend.
//
// Recognized keys: "type" (one of "auto", "coredump", "raw", "mmap",
// "procmem"; default "auto" tries a crash-dump header first, falling back
// to a flat 1:1 file mapping), "readonly" ("false" to open read/write,
// default true), "arch" (an archspec.ID string, default x86_64), "pid" and
// "hostbase" (procmem only).
func Open(argString string) (*Connector, error) {
	args := connarg.Parse(argString)

	archID := archspec.ID(args.GetOr("arch", string(archspec.X64)))

	arch := archspec.Lookup(archID)
	if arch == nil {
		return nil, memerr.New(memerr.InvalidArchitecture, "unknown architecture %q", archID)
	}

	readonly := args.GetOr("readonly", "true") != "false"
	typ := args.GetOr("type", "auto")

	switch typ {
	case "procmem":
		return openProcMem(args, arch, readonly)
	case "coredump":
		return openPath(args, arch, readonly, true, false)
	case "mmap":
		return openPath(args, arch, readonly, false, true)
	case "raw", "file":
		return openPath(args, arch, readonly, false, false)
	case "auto":
		if c, err := openPath(args, arch, readonly, true, false); err == nil {
			return c, nil
		}

		return openPath(args, arch, readonly, false, false)
	default:
		return nil, memerr.New(memerr.ConnectorCannotOpen, "unknown connector type %q", typ)
	}
}

// openPath opens the connector's default positional argument as a file,
// either as a crash dump (tryCoreDump) or as a flat 1:1-mapped file,
// through mmap if useMmap else sequential file-IO.
func openPath(args connarg.Args, arch *archspec.Spec, readonly, tryCoreDump, useMmap bool) (*Connector, error) {
	path := args.Default()
	if path == "" {
		return nil, memerr.New(memerr.ConnectorCannotOpen, "connector argument string has no default path")
	}

	if tryCoreDump {
		return openCoreDump(path, args, arch, readonly)
	}

	var (
		backend mappableBackend
		err     error
	)

	if useMmap {
		backend, err = physmem.NewMmap(path, readonly)
	} else {
		backend, err = physmem.NewFileIO(path, readonly)
	}

	if err != nil {
		return nil, err
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, memerr.Wrap(memerr.ConnectorCannotOpen, err, "statting %s", path)
	}

	m := memmap.New()
	if err := m.Push(0, uint64(st.Size()), 0); err != nil {
		return nil, err
	}

	backend.SetMap(m)

	return &Connector{backend: backend, args: args, arch: arch, closeFn: backend.(closer).Close}, nil
}

func openCoreDump(path string, args connarg.Args, arch *archspec.Spec, readonly bool) (*Connector, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, memerr.Wrap(memerr.ConnectorCannotOpen, err, "opening %s", path)
	}

	res, err := crashdump.Parse(f)
	if err != nil {
		f.Close()

		return nil, err
	}

	f.Close()

	backend, err := physmem.NewFileIO(path, readonly)
	if err != nil {
		return nil, err
	}

	backend.SetMap(res.Map)

	return &Connector{backend: backend, args: args, arch: arch, closeFn: backend.Close}, nil
}
