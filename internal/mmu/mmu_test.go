package mmu

import (
	"encoding/binary"
	"testing"

	"github.com/orizon-lang/memflow/internal/archspec"
	"github.com/orizon-lang/memflow/internal/memtype"
	"github.com/orizon-lang/memflow/internal/physmem"
)

// fakePteReader serves fixed PTE values out of a map keyed by physical
// address and counts how many distinct reads it was asked to perform, so
// tests can assert on batching/dedup behavior.
type fakePteReader struct {
	ptes     map[uint64]uint64
	pteSize  int
	endian   archspec.Endianness
	numReads int
}

func (r *fakePteReader) ReadList(ops []physmem.Op, onFail func(physmem.FailedOp)) error {
	for _, op := range ops {
		r.numReads++

		addr := uint64(op.Addr.AsAddress())

		pte, ok := r.ptes[addr]
		if !ok {
			onFail(physmem.FailedOp{Op: op, Err: errNotFound(addr)})
			continue
		}

		if r.pteSize == 4 {
			binary.LittleEndian.PutUint32(op.Buffer, uint32(pte))
		} else {
			binary.LittleEndian.PutUint64(op.Buffer, pte)
		}
	}

	return nil
}

type notFoundErr struct{ addr uint64 }

func (e notFoundErr) Error() string { return "no pte registered" }

func errNotFound(addr uint64) error { return notFoundErr{addr} }

const (
	present   = uint64(1) << 0
	writeable = uint64(1) << 1
)

// buildFourLevelX64 wires a PML4->PDPT->PD->PT walk resolving va (whose
// index decomposition is [145, 54, 64, 21], offset 1243) to a fixed
// physical page, matching the worked example: physical =
// page_base + 1243 after walking four full-size (4 KiB) tables.
func buildFourLevelX64(t *testing.T, pageBase uint64) (*fakePteReader, memtype.Address, memtype.Address) {
	t.Helper()

	const (
		dtb  = 0x1000
		pml4 = 0x1000
		pdpt = 0x2000
		pd   = 0x3000
		pt   = 0x4000
	)

	reader := &fakePteReader{ptes: map[uint64]uint64{}, pteSize: 8, endian: archspec.LittleEndian}

	reader.ptes[pml4+145*8] = pdpt | present | writeable
	reader.ptes[pdpt+54*8] = pd | present | writeable
	reader.ptes[pd+64*8] = pt | present | writeable
	reader.ptes[pt+21*8] = pageBase | present | writeable

	va := uint64(1243)
	va |= 21 << 12
	va |= 64 << 21
	va |= 54 << 30
	va |= 145 << 39

	return reader, memtype.Address(dtb), memtype.Address(va)
}

func TestTranslateWorkedExample(t *testing.T) {
	const pageBase = 0x0000_1234_5000

	reader, dtb, va := buildFourLevelX64(t, pageBase)

	w := New(archspec.Lookup(archspec.X64), reader)

	phys, err := w.Translate(dtb, va)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}

	want := memtype.Address(pageBase | 1243)
	if phys.Addr != want {
		t.Fatalf("Translate() = %v, want %v", phys.Addr, want)
	}

	if phys.Meta == nil || phys.Meta.Size != 4096 {
		t.Fatalf("expected 4 KiB leaf page metadata, got %+v", phys.Meta)
	}

	if !phys.Meta.Type.Has(memtype.PageWriteable) {
		t.Fatalf("expected writeable flag to be set")
	}
}

func TestTranslateListDedupesSharedPageTableEntries(t *testing.T) {
	const pageBase = 0x0000_1234_5000

	reader, dtb, va := buildFourLevelX64(t, pageBase)

	// A second address sharing every page-table entry with the first (same
	// PT-level index 21, different in-page offset) must not cause any of
	// the four levels to be read twice.
	va2 := (uint64(va) &^ 0xFFF) | 17

	w := New(archspec.Lookup(archspec.X64), reader)

	var results []Result

	var fails []FailedOp

	ops := []Op{
		{Addr: va, Meta: 1, Buffer: make([]byte, 1)},
		{Addr: memtype.Address(va2), Meta: 2, Buffer: make([]byte, 1)},
	}

	w.TranslateList(dtb, ops, func(r Result) {
		results = append(results, r)
	}, func(f FailedOp) {
		fails = append(fails, f)
	})

	if len(fails) != 0 {
		t.Fatalf("unexpected failures: %+v", fails)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	// 4 levels, one distinct PTE address per level since both lanes share
	// every table down to (and including) the final PT entry.
	if reader.numReads != 4 {
		t.Fatalf("expected 4 deduped reads across both lanes, got %d", reader.numReads)
	}
}

func TestTranslateLargePageTerminatesEarly(t *testing.T) {
	const (
		dtb  = 0x1000
		pml4 = 0x1000
		pdpt = 0x2000
	)

	reader := &fakePteReader{ptes: map[uint64]uint64{}, pteSize: 8}

	const pdBase = 0x0000_4000_0000 // 1 GiB aligned

	reader.ptes[pml4+1*8] = pdpt | present | writeable
	reader.ptes[pdpt+2*8] = pdBase | present | writeable | (1 << 7) // large-page bit

	va := uint64(0x55)
	va |= 2 << 30
	va |= 1 << 39

	w := New(archspec.Lookup(archspec.X64), reader)

	phys, err := w.Translate(memtype.Address(dtb), memtype.Address(va))
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}

	want := memtype.Address(pdBase | 0x55)
	if phys.Addr != want {
		t.Fatalf("Translate() = %v, want %v", phys.Addr, want)
	}

	if phys.Meta == nil || phys.Meta.Size != 1024*1024*1024 {
		t.Fatalf("expected 1 GiB leaf page metadata, got %+v", phys.Meta)
	}

	// Only two reads (PML4 + PDPT) should have happened; the walk must not
	// attempt to read a PD or PT entry once the PDPT's large-page bit fires.
	if reader.numReads != 2 {
		t.Fatalf("expected early termination after 2 reads, got %d", reader.numReads)
	}
}

func TestTranslatePageNotPresentFails(t *testing.T) {
	reader := &fakePteReader{ptes: map[uint64]uint64{0x1000 + 3*8: 0}, pteSize: 8}

	va := uint64(3) << 39

	w := New(archspec.Lookup(archspec.X64), reader)

	_, err := w.Translate(memtype.Address(0x1000), memtype.Address(va))
	if err == nil {
		t.Fatal("expected an error for a not-present PML4 entry")
	}
}

func TestTranslateListWriteableAndNxAccumulateAcrossLevels(t *testing.T) {
	const (
		dtb  = 0x1000
		pml4 = 0x1000
		pdpt = 0x2000
		pd   = 0x3000
		pt   = 0x4000
	)

	const nx = uint64(1) << 63

	reader := &fakePteReader{ptes: map[uint64]uint64{}, pteSize: 8}

	// The PML4 entry is read-only (no writeable bit) and marks NX; deeper
	// levels grant write access, but OR-accumulation means the final result
	// must still report writeable=true (granted at a deeper level) and
	// nx=true (set at the shallowest level and never cleared).
	reader.ptes[pml4+0*8] = pdpt | present | nx
	reader.ptes[pdpt+0*8] = pd | present | writeable
	reader.ptes[pd+0*8] = pt | present | writeable
	reader.ptes[pt+0*8] = 0x0000_9000_0000 | present | writeable

	w := New(archspec.Lookup(archspec.X64), reader)

	phys, err := w.Translate(memtype.Address(dtb), memtype.Address(0))
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}

	if !phys.Meta.Type.Has(memtype.PageWriteable) {
		t.Fatal("expected OR-accumulated writeable flag to be set")
	}

	if !phys.Meta.Type.Has(memtype.PageNoExec) {
		t.Fatal("expected OR-accumulated NX flag to be set")
	}
}
