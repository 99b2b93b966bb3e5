// Package physmem defines the PhysicalBackend contract and
// its concrete implementations: file-IO, mmap, a QEMU /proc/pid/mem backend,
// and an in-memory Fake. Crash dumps have no backend of their own; they are
// read through file-IO with a memory map built by internal/crashdump.
package physmem

import (
	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memmap"
	"github.com/orizon-lang/memflow/internal/memtype"
)

// Op is one physical read or write: an address, a correlating meta value,
// and the buffer to fill (read) or drain (write).
type Op struct {
	Addr   memtype.PhysicalAddress
	Meta   uint64
	Buffer []byte
}

// FailedOp is an Op that could not be satisfied, along with why.
type FailedOp struct {
	Op
	Err error
}

// Metadata describes static properties of a backend.
type Metadata struct {
	MaxAddress     memtype.Address
	RealSize       uint64
	Readonly       bool
	IdealBatchSize int
}

// Backend is the contract every physical memory source implements:
// file-IO, mmap, or a QEMU host-process reader. All batch
// operations route per-op successes to a caller-supplied output and
// per-op failures to onFail; a backend-wide failure (e.g. a closed file)
// aborts the whole batch and is returned as a top-level error.
type Backend interface {
	// ReadList reads each op's Buffer length of bytes at op.Addr. Successful
	// ops are left filled in place (callers inspect ops[i].Buffer); failed
	// ops are routed to onFail. A failed op's Buffer is not zeroed in every
	// case: file-IO and /proc/pid/mem zero it when the underlying read
	// fails, while a span in a memory-map gap, past the end of an mmap'd or
	// in-memory backend, or whose file-IO seek failed is left as it was.
	ReadList(ops []Op, onFail func(FailedOp)) error
	// WriteList writes each op's Buffer to op.Addr. Fails the whole batch
	// with memerr.ConnectorReadOnly if the backend is read-only.
	WriteList(ops []Op, onFail func(FailedOp)) error
	Metadata() Metadata
}

// mapBackend is embedded by backends that route through a MemoryMap before
// touching their underlying storage.
type mapBackend struct {
	m *memmap.Map
}

func (b *mapBackend) translate(ops []Op, onFail func(FailedOp)) []memmap.Output {
	ins := make([]memmap.Input, len(ops))
	for i, op := range ops {
		ins[i] = memmap.Input{Addr: op.Addr.AsAddress(), Meta: uint64(i), Buffer: op.Buffer}
	}

	return b.m.MapIter(ins, func(gap memmap.Input) {
		if onFail == nil {
			return
		}

		onFail(FailedOp{
			Op:  Op{Addr: memtype.Bare(gap.Addr), Meta: ops[gap.Meta].Meta, Buffer: gap.Buffer},
			Err: gapError(gap.Addr),
		})
	})
}

// reportMmapFailed is shared by every backend whose storage is a flat byte
// slice indexed by backend offset (mmap on Unix/Windows, and the in-memory
// Fake used by this module's own tests).
func reportMmapFailed(ops []Op, out memmap.Output, onFail func(FailedOp)) {
	if onFail == nil {
		return
	}

	onFail(FailedOp{
		Op:  Op{Addr: ops[out.Meta].Addr, Meta: ops[out.Meta].Meta, Buffer: out.Buffer},
		Err: memerr.New(memerr.Bounds, "backend offset %v exceeds mapping size", out.BackendOffset),
	})
}
