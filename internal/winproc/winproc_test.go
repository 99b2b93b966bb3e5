package winproc

import (
	"encoding/binary"
	"testing"

	"github.com/orizon-lang/memflow/internal/archspec"
	"github.com/orizon-lang/memflow/internal/memtype"
	"github.com/orizon-lang/memflow/internal/pdb"
	"github.com/orizon-lang/memflow/internal/physmem"
)

const (
	pPresent   = uint64(1) << 0
	pWriteable = uint64(1) << 1
)

type fakeBackend struct {
	pages map[uint64][]byte
}

func newFakeBackend() *fakeBackend { return &fakeBackend{pages: map[uint64][]byte{}} }

func (b *fakeBackend) pageFor(addr uint64) []byte {
	base := addr &^ 0xfff

	p, ok := b.pages[base]
	if !ok {
		p = make([]byte, 4096)
		b.pages[base] = p
	}

	return p
}

func (b *fakeBackend) ReadList(ops []physmem.Op, onFail func(physmem.FailedOp)) error {
	for _, op := range ops {
		addr := uint64(op.Addr.AsAddress())
		remaining := op.Buffer

		for len(remaining) > 0 {
			page := b.pageFor(addr)
			pageOff := addr & 0xfff
			n := uint64(len(remaining))

			if toBoundary := 4096 - pageOff; toBoundary < n {
				n = toBoundary
			}

			copy(remaining[:n], page[pageOff:pageOff+n])
			remaining = remaining[n:]
			addr += n
		}
	}

	return nil
}

func (b *fakeBackend) WriteList(ops []physmem.Op, onFail func(physmem.FailedOp)) error {
	for _, op := range ops {
		addr := uint64(op.Addr.AsAddress())
		page := b.pageFor(addr)
		copy(page[addr&0xfff:], op.Buffer)
	}

	return nil
}

func (b *fakeBackend) Metadata() physmem.Metadata {
	return physmem.Metadata{MaxAddress: memtype.Address(1) << 48}
}

func (b *fakeBackend) putLE(addr uint64, v uint64, size int) {
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}

	b.WriteList([]physmem.Op{{Addr: memtype.Bare(memtype.Address(addr)), Buffer: buf}}, nil)
}

func (b *fakeBackend) putBytes(addr uint64, data []byte) {
	b.WriteList([]physmem.Op{{Addr: memtype.Bare(memtype.Address(addr)), Buffer: data}}, nil)
}

type pageTableBuilder struct {
	b        *fakeBackend
	arch     *archspec.Spec
	dtb      uint64
	tableFor map[string]uint64
	next     uint64
}

func newPageTableBuilder(b *fakeBackend, arch *archspec.Spec, dtb uint64) *pageTableBuilder {
	return &pageTableBuilder{b: b, arch: arch, dtb: dtb, tableFor: map[string]uint64{}, next: 0x2000_0000}
}

func (p *pageTableBuilder) alloc() uint64 {
	addr := p.next
	p.next += 0x1000

	return addr
}

func (p *pageTableBuilder) mapPage(va uint64, phys uint64) {
	base := p.dtb
	last := p.arch.SplitCount() - 1

	for level := 0; level < last; level++ {
		idx := p.arch.VaIndex(memtype.Address(va), level)
		key := keyOf(base, idx)

		next, ok := p.tableFor[key]
		if !ok {
			if level == last-1 {
				next = phys
			} else {
				next = p.alloc()
			}

			p.tableFor[key] = next
			p.b.putLE(base+idx*uint64(p.arch.PteSize), next|pPresent|pWriteable, p.arch.PteSize)
		}

		base = next
	}
}

func keyOf(base, idx uint64) string {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], base)
	binary.LittleEndian.PutUint64(buf[8:16], idx)

	return string(buf)
}

// buildOffsetTable returns a compact, test-only OffsetTable with small,
// non-overlapping field offsets — not real Windows offsets, just distinct
// enough to catch a field being read from the wrong place.
func buildOffsetTable() pdb.OffsetTable {
	return pdb.OffsetTable{
		ListBlink:      0x8,
		EprocLink:      0x100,
		KprocDtb:       0x28,
		EprocPid:       0x180,
		EprocName:      0x188,
		EprocPeb:       0x198,
		EprocWow64:     0, // absent: exercise the no-WoW64 path
		PebLdrX64:      0x18,
		LdrListX64:     0x10,
		LdrDataBaseX64: 0x30,
		LdrDataSizeX64: 0x40,
		LdrDataNameX64: 0x58,
	}
}

func TestProcessesSingleEntrySelfLinked(t *testing.T) {
	b := newFakeBackend()
	arch := archspec.Lookup(archspec.X64)
	table := buildOffsetTable()

	kernelDtb := uint64(0x1000)
	pt := newPageTableBuilder(b, arch, kernelDtb)

	eprocVA := uint64(0xffff_8000_0001_0000)
	pt.mapPage(eprocVA, 0x9000_0000)

	// ActiveProcessLinks.Blink points back at this EPROCESS's own link field,
	// making it a one-element circular list.
	b.putLE(0x9000_0000+table.EprocLink+table.ListBlink, eprocVA+uint64(table.EprocLink), 8)
	b.putLE(0x9000_0000+table.EprocPid, 4, 4)
	b.putBytes(0x9000_0000+table.EprocName, append([]byte("System"), 0))
	b.putLE(0x9000_0000+table.KprocDtb, 0x3000, 8)
	b.putLE(0x9000_0000+table.EprocPeb, 0xffff_8000_0002_0000, 8)

	w := New(b, arch, table, memtype.Address(kernelDtb), memtype.Address(eprocVA))

	procs, err := w.Processes()
	if err != nil {
		t.Fatalf("Processes error: %v", err)
	}

	if len(procs) != 1 {
		t.Fatalf("len(procs) = %d, want 1", len(procs))
	}

	p := procs[0]

	if p.Pid != 4 {
		t.Fatalf("Pid = %d, want 4", p.Pid)
	}

	if p.Name != "System" {
		t.Fatalf("Name = %q, want %q", p.Name, "System")
	}

	if p.Dtb != memtype.Address(0x3000) {
		t.Fatalf("Dtb = %v, want 0x3000", p.Dtb)
	}

	if p.ProcArch != archspec.X64 {
		t.Fatalf("ProcArch = %v, want x86_64 (no WoW64 field configured)", p.ProcArch)
	}
}

func TestModulesWalksLoadOrderList(t *testing.T) {
	b := newFakeBackend()
	arch := archspec.Lookup(archspec.X64)
	table := buildOffsetTable()

	procDtb := uint64(0x4000)
	pt := newPageTableBuilder(b, arch, procDtb)

	pebVA := uint64(0xffff_8000_0010_0000)
	ldrVA := uint64(0xffff_8000_0011_0000)
	mod1VA := uint64(0xffff_8000_0012_0000)
	nameBufVA := uint64(0xffff_8000_0013_0000)

	pt.mapPage(pebVA, 0x9100_0000)
	pt.mapPage(ldrVA, 0x9200_0000)
	pt.mapPage(mod1VA, 0x9300_0000)
	pt.mapPage(nameBufVA, 0x9400_0000)

	// Peb.Ldr -> ldrVA.
	b.putLE(0x9100_0000+table.PebLdrX64, ldrVA, 8)

	// InLoadOrderModuleList head (a _LIST_ENTRY at ldrVA+LdrListX64) points
	// to the single module node at mod1VA.
	listHeadVA := ldrVA + uint64(table.LdrListX64)
	b.putLE(0x9200_0000+table.LdrListX64, mod1VA, 8)

	// Module node: Flink (offset 0, the node's own embedded LIST_ENTRY) loops
	// back to the list head; DllBase/SizeOfImage/BaseDllName follow.
	b.putLE(0x9300_0000+0, listHeadVA, 8)
	b.putLE(0x9300_0000+uint64(table.LdrDataBaseX64), 0x7fff_0000, 8)
	b.putLE(0x9300_0000+uint64(table.LdrDataSizeX64), 0x2000, 8)

	name := "ntdll.dll"
	nameUTF16 := make([]byte, 0, len(name)*2)

	for _, r := range name {
		nameUTF16 = append(nameUTF16, byte(r), 0)
	}

	b.putBytes(0x9400_0000, nameUTF16)

	// UNICODE_STRING at node+LdrDataNameX64: length u16, max u16, padding u32,
	// buffer pointer u64.
	unicodeAddr := 0x9300_0000 + uint64(table.LdrDataNameX64)
	b.putLE(unicodeAddr, uint64(len(nameUTF16)), 2)
	b.putLE(unicodeAddr+2, uint64(len(nameUTF16)), 2)
	b.putLE(unicodeAddr+8, nameBufVA, 8)

	w := New(b, arch, table, memtype.Address(0x1000), memtype.Address(eprocForModulesTest))

	proc := ProcessInfo{Peb: memtype.Address(pebVA), Dtb: memtype.Address(procDtb), ProcArch: archspec.X64}

	modules, err := w.Modules(proc)
	if err != nil {
		t.Fatalf("Modules error: %v", err)
	}

	if len(modules) != 1 {
		t.Fatalf("len(modules) = %d, want 1", len(modules))
	}

	m := modules[0]

	if m.Base != memtype.Address(0x7fff_0000) {
		t.Fatalf("Base = %v, want 0x7fff0000", m.Base)
	}

	if m.Size != 0x2000 {
		t.Fatalf("Size = %#x, want 0x2000", m.Size)
	}

	if m.Name != name {
		t.Fatalf("Name = %q, want %q", m.Name, name)
	}
}

const eprocForModulesTest = 0xffff_8000_0001_0000
