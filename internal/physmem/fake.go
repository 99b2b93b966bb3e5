package physmem

import (
	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memmap"
)

// Fake is an in-memory PhysicalBackend used by this module's own tests (MMU
// walker, caches, crash-dump parsing) so they do not depend on real files or
// mmap syscalls. It is not a connector: nothing in the public API constructs
// one implicitly.
type Fake struct {
	mapBackend
	data     []byte
	readonly bool
}

// NewFake wraps data as backend-native storage, addressed by backend offset
// (post-MemoryMap translation).
func NewFake(data []byte, readonly bool) *Fake {
	return &Fake{mapBackend: mapBackend{m: memmap.New()}, data: data, readonly: readonly}
}

func (b *Fake) SetMap(m *memmap.Map) { b.mapBackend.m = m }

func (b *Fake) ReadList(ops []Op, onFail func(FailedOp)) error {
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

func (b *Fake) WriteList(ops []Op, onFail func(FailedOp)) error {
	if b.readonly {
		return memerr.New(memerr.ConnectorReadOnly, "write attempted on read-only fake backend")
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

func (b *Fake) Metadata() Metadata {
	return Metadata{
		MaxAddress:     b.mapBackend.m.MaxAddress(),
		RealSize:       b.mapBackend.m.RealSize(),
		Readonly:       b.readonly,
		IdealBatchSize: 64,
	}
}

