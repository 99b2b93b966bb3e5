//go:build windows

// Windows mmap backend using golang.org/x/sys/windows CreateFileMapping /
// MapViewOfFile, for parity with the Unix mmap backend (mmap_unix.go).
package physmem

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memmap"
)

// Mmap is a PhysicalBackend whose reads are plain slice copies against a
// memory-mapped file view.
type Mmap struct {
	mapBackend
	file      *os.File
	handle    windows.Handle
	mapHandle windows.Handle
	data      []byte
	readonly  bool
}

// NewMmap maps the entirety of the file at path.
func NewMmap(path string, readonly bool) (*Mmap, error) {
	flag := os.O_RDONLY
	if !readonly {
		flag = os.O_RDWR
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

	prot := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)

	if !readonly {
		prot = windows.PAGE_READWRITE
		access = windows.FILE_MAP_WRITE
	}

	size := uint64(info.Size())
	mh, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, prot, uint32(size>>32), uint32(size), nil)
	if err != nil {
		f.Close()

		return nil, memerr.Wrap(memerr.ConnectorCannotOpen, err, "CreateFileMapping %s", path)
	}

	addr, err := windows.MapViewOfFile(mh, access, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(mh)
		f.Close()

		return nil, memerr.Wrap(memerr.ConnectorCannotOpen, err, "MapViewOfFile %s", path)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	return &Mmap{
		mapBackend: mapBackend{m: memmap.New()},
		file:       f,
		handle:     windows.Handle(f.Fd()),
		mapHandle:  mh,
		data:       data,
		readonly:   readonly,
	}, nil
}

func (b *Mmap) SetMap(m *memmap.Map) { b.mapBackend.m = m }

func (b *Mmap) Close() error {
	addr := uintptr(unsafe.Pointer(&b.data[0]))
	_ = windows.UnmapViewOfFile(addr)
	windows.CloseHandle(b.mapHandle)

	return b.file.Close()
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
