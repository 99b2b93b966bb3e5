//go:build linux

// QEMU host-process backend: reads a running qemu-system process's guest
// physical memory through /proc/<pid>/mem, using a pread/pwrite-at-offset
// access pattern over the process's own memory file.
package physmem

import (
	"fmt"
	"os"

	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memmap"
)

// ProcMem is a PhysicalBackend reading a QEMU process's guest RAM via
// /proc/<pid>/mem, offset by the guest-RAM mapping's base address in the
// QEMU process's virtual address space (discovered by the caller from
// /proc/<pid>/maps and supplied as hostBase).
type ProcMem struct {
	mapBackend
	mem      *os.File
	hostBase int64
	readonly bool
}

// NewProcMem opens /proc/pid/mem for pid and remaps guest-physical reads
// through hostBase, the virtual address at which QEMU's guest RAM region
// begins in its own address space.
func NewProcMem(pid int, hostBase int64, readonly bool) (*ProcMem, error) {
	flag := os.O_RDONLY
	if !readonly {
		flag = os.O_RDWR
	}

	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), flag, 0)
	if err != nil {
		return nil, memerr.Wrap(memerr.ConnectorCannotOpen, err, "opening /proc/%d/mem", pid)
	}

	return &ProcMem{mapBackend: mapBackend{m: memmap.New()}, mem: f, hostBase: hostBase, readonly: readonly}, nil
}

func (b *ProcMem) SetMap(m *memmap.Map) { b.mapBackend.m = m }

func (b *ProcMem) Close() error { return b.mem.Close() }

func (b *ProcMem) ReadList(ops []Op, onFail func(FailedOp)) error {
	outs := b.translate(ops, onFail)

	for _, out := range outs {
		n, err := b.mem.ReadAt(out.Buffer, b.hostBase+int64(out.BackendOffset))
		if err != nil && n < len(out.Buffer) {
			reportFailed(ops, out, memerr.ConnectorCannotRead, err, onFail)

			for i := range out.Buffer {
				out.Buffer[i] = 0
			}
		}
	}

	return nil
}

func (b *ProcMem) WriteList(ops []Op, onFail func(FailedOp)) error {
	if b.readonly {
		return memerr.New(memerr.ConnectorReadOnly, "write attempted on read-only /proc/pid/mem backend")
	}

	outs := b.translate(ops, onFail)

	for _, out := range outs {
		if _, err := b.mem.WriteAt(out.Buffer, b.hostBase+int64(out.BackendOffset)); err != nil {
			reportFailed(ops, out, memerr.ConnectorCannotWrite, err, onFail)
		}
	}

	return nil
}

func (b *ProcMem) Metadata() Metadata {
	return Metadata{
		MaxAddress:     b.mapBackend.m.MaxAddress(),
		RealSize:       b.mapBackend.m.RealSize(),
		Readonly:       b.readonly,
		IdealBatchSize: 64,
	}
}
