//go:build unix

// Mmap backend: zero-syscall-overhead reads via a memory-mapped file.
// Uses golang.org/x/sys/unix.Mmap for the mapping itself.
package physmem

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memmap"
)

// Mmap is a PhysicalBackend whose reads and writes are plain slice copies
// against a memory-mapped file. The exposed mapping's lifetime is scoped to
// this backend; Close unmaps it and invalidates any slice a caller may have
// retained from Metadata-adjacent APIs.
type Mmap struct {
	mapBackend
	file     *os.File
	data     []byte
	readonly bool
}

// NewMmap maps the entirety of the file at path.
func NewMmap(path string, readonly bool) (*Mmap, error) {
	flag := os.O_RDONLY
	prot := unix.PROT_READ

	if !readonly {
		flag = os.O_RDWR
		prot |= unix.PROT_WRITE
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, memerr.Wrap(memerr.ConnectorCannotOpen, err, "opening %s", path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, memerr.Wrap(memerr.ConnectorCannotOpen, err, "stat %s", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()

		return nil, memerr.Wrap(memerr.ConnectorCannotOpen, err, "mmap %s", path)
	}

	return &Mmap{mapBackend: mapBackend{m: memmap.New()}, file: f, data: data, readonly: readonly}, nil
}

func (b *Mmap) SetMap(m *memmap.Map) { b.mapBackend.m = m }

func (b *Mmap) Close() error {
	err := unix.Munmap(b.data)
	b.file.Close()

	return err
}

func (b *Mmap) ReadList(ops []Op, onFail func(FailedOp)) error {
	outs := b.translate(ops, onFail)

	for _, out := range outs {
		off := uint64(out.BackendOffset)
		if off+uint64(len(out.Buffer)) > uint64(len(b.data)) {
			reportMmapFailed(ops, out, onFail)

			continue
		}

		copy(out.Buffer, b.data[off:off+uint64(len(out.Buffer))])
	}

	return nil
}

func (b *Mmap) WriteList(ops []Op, onFail func(FailedOp)) error {
	if b.readonly {
		return memerr.New(memerr.ConnectorReadOnly, "write attempted on read-only mmap backend")
	}

	outs := b.translate(ops, onFail)

	for _, out := range outs {
		off := uint64(out.BackendOffset)
		if off+uint64(len(out.Buffer)) > uint64(len(b.data)) {
			reportMmapFailed(ops, out, onFail)

			continue
		}

		copy(b.data[off:off+uint64(len(out.Buffer))], out.Buffer)
	}

	return nil
}

func (b *Mmap) Metadata() Metadata {
	return Metadata{
		MaxAddress:     b.mapBackend.m.MaxAddress(),
		RealSize:       b.mapBackend.m.RealSize(),
		Readonly:       b.readonly,
		IdealBatchSize: 256,
	}
}
