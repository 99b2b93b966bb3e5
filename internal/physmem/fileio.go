// File-IO backend: seeks and reads/writes sequentially against an
// *os.File. Grounded on internal/runtime/vfs/osfs.go's OSFS, which wraps
// os.* calls behind a small interface; here the same style is batched per
// seek+read/write against a plain file.
package physmem

import (
	"io"
	"os"

	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memmap"
)

// FileIO is a PhysicalBackend backed by sequential file seeks and reads.
type FileIO struct {
	mapBackend
	file     *os.File
	readonly bool
}

// NewFileIO opens path for the backend. If readonly is false the file is
// opened for read/write.
func NewFileIO(path string, readonly bool) (*FileIO, error) {
	flag := os.O_RDONLY
	if !readonly {
		flag = os.O_RDWR
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, memerr.Wrap(memerr.ConnectorCannotOpen, err, "opening %s", path)
	}

	return &FileIO{mapBackend: mapBackend{m: memmap.New()}, file: f, readonly: readonly}, nil
}

// SetMap installs the MemoryMap this backend translates guest addresses
// through (populated by the crash-dump parser, or directly by the caller
// for a raw flat-file backend).
func (b *FileIO) SetMap(m *memmap.Map) { b.mapBackend.m = m }

func (b *FileIO) Close() error { return b.file.Close() }

func (b *FileIO) ReadList(ops []Op, onFail func(FailedOp)) error {
	outs := b.translate(ops, onFail)

	for _, out := range outs {
		if _, err := b.file.Seek(int64(out.BackendOffset), io.SeekStart); err != nil {
			reportFailed(ops, out, memerr.ConnectorCannotSeek, err, onFail)

			continue
		}

		if _, err := io.ReadFull(b.file, out.Buffer); err != nil {
			reportFailed(ops, out, memerr.ConnectorCannotRead, err, onFail)

			for i := range out.Buffer {
				out.Buffer[i] = 0
			}
		}
	}

	return nil
}

func (b *FileIO) WriteList(ops []Op, onFail func(FailedOp)) error {
	if b.readonly {
		return memerr.New(memerr.ConnectorReadOnly, "write attempted on read-only file-IO backend")
	}

	outs := b.translate(ops, onFail)

	for _, out := range outs {
		if _, err := b.file.Seek(int64(out.BackendOffset), io.SeekStart); err != nil {
			reportFailed(ops, out, memerr.ConnectorCannotSeek, err, onFail)

			continue
		}

		if _, err := b.file.Write(out.Buffer); err != nil {
			reportFailed(ops, out, memerr.ConnectorCannotWrite, err, onFail)
		}
	}

	return nil
}

func (b *FileIO) Metadata() Metadata {
	return Metadata{
		MaxAddress:     b.mapBackend.m.MaxAddress(),
		RealSize:       b.mapBackend.m.RealSize(),
		Readonly:       b.readonly,
		IdealBatchSize: 64,
	}
}

func reportFailed(ops []Op, out memmap.Output, kind memerr.Kind, cause error, onFail func(FailedOp)) {
	if onFail == nil {
		return
	}

	onFail(FailedOp{
		Op:  Op{Addr: ops[out.Meta].Addr, Meta: ops[out.Meta].Meta, Buffer: out.Buffer},
		Err: memerr.Wrap(kind, cause, "op for %v", ops[out.Meta].Addr),
	})
}
