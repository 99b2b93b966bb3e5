package virtmem

import (
	"testing"

	"github.com/orizon-lang/memflow/internal/archspec"
	"github.com/orizon-lang/memflow/internal/cachevalidator"
	"github.com/orizon-lang/memflow/internal/memtype"
	"github.com/orizon-lang/memflow/internal/mmu"
	"github.com/orizon-lang/memflow/internal/physmem"
	"github.com/orizon-lang/memflow/internal/tlbcache"
)

const (
	present   = uint64(1) << 0
	writeable = uint64(1) << 1
)

// countingBackend is a flat byte-addressed backend that counts how many
// ReadList calls it serves, so tests can assert the walker was (or wasn't)
// invoked.
type countingBackend struct {
	mem        map[uint64][]byte
	readCalls  int
	readOps    int
}

func newCountingBackend() *countingBackend {
	return &countingBackend{mem: map[uint64][]byte{}}
}

func (b *countingBackend) put(addr uint64, data []byte) { b.mem[addr] = data }

func (b *countingBackend) ReadList(ops []physmem.Op, onFail func(physmem.FailedOp)) error {
	b.readCalls++
	b.readOps += len(ops)

	for _, op := range ops {
		data, ok := b.mem[uint64(op.Addr.AsAddress())]
		if !ok {
			if onFail != nil {
				onFail(physmem.FailedOp{Op: op, Err: errNotFound})
			}

			continue
		}

		copy(op.Buffer, data)
	}

	return nil
}

func (b *countingBackend) WriteList(ops []physmem.Op, onFail func(physmem.FailedOp)) error {
	for _, op := range ops {
		buf := make([]byte, len(op.Buffer))
		copy(buf, op.Buffer)
		b.mem[uint64(op.Addr.AsAddress())] = buf
	}

	return nil
}

func (b *countingBackend) Metadata() physmem.Metadata { return physmem.Metadata{} }

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

// buildSingleLevelX64 sets up a one-translation single-PTE X64 walk: a PML4
// entry, PDPT entry, PD entry all pointing onward, and a PT entry mapping
// virtual page 0 to a chosen physical page, matching archspec's four-level
// X64 layout exactly like the mmu package's own worked example.
func buildSingleLevelX64(b *countingBackend, dtb, physPage uint64) {
	arch := archspec.Lookup(archspec.X64)

	pml4 := dtb
	pdpt := uint64(0x2000)
	pd := uint64(0x3000)
	pt := uint64(0x4000)

	putPTE(b, arch, pml4, 0, pdpt|present|writeable)
	putPTE(b, arch, pdpt, 0, pd|present|writeable)
	putPTE(b, arch, pd, 0, pt|present|writeable)
	putPTE(b, arch, pt, 0, physPage|present|writeable)
}

func putPTE(b *countingBackend, arch *archspec.Spec, tableBase uint64, index uint64, val uint64) {
	buf := make([]byte, arch.PteSize)
	putLE(buf, val)
	b.put(tableBase+index*uint64(arch.PteSize), buf)
}

func putLE(buf []byte, v uint64) {
	for i := range buf {
		buf[i] = byte(v >> (8 * uint(i)))
	}
}

func TestReadListWarmsAndHitsTLB(t *testing.T) {
	b := newCountingBackend()
	dtb := uint64(0x1000)
	physPage := uint64(0x9000_0000)

	buildSingleLevelX64(b, dtb, physPage)
	b.put(physPage, []byte{0xAA, 0xBB, 0xCC, 0xDD})

	tlb := tlbcache.New(64, archspec.Lookup(archspec.X64).PageSize, cachevalidator.NewCountValidator(1000))
	view := New(b, archspec.Lookup(archspec.X64), memtype.Address(dtb), tlb)

	va := memtype.Address(0)

	readOne := func() []byte {
		out := make([]byte, 4)
		var failed []mmu.FailedOp

		err := view.ReadList([]mmu.Op{{Addr: va, Buffer: out}}, func(f mmu.FailedOp) {
			failed = append(failed, f)
		})
		if err != nil {
			t.Fatalf("ReadList error: %v", err)
		}

		if len(failed) != 0 {
			t.Fatalf("unexpected failures: %v", failed)
		}

		return out
	}

	first := readOne()
	if first[0] != 0xAA {
		t.Fatalf("first read = %v, want leading 0xAA", first)
	}

	callsAfterFirst := b.readCalls

	second := readOne()
	if second[0] != 0xAA {
		t.Fatalf("second read = %v, want leading 0xAA", second)
	}

	// The only backend call left on a TLB hit is the data read itself.
	if b.readCalls != callsAfterFirst+1 {
		t.Fatalf("expected TLB hit to avoid walking page tables again: calls went from %d to %d", callsAfterFirst, b.readCalls)
	}

	if stats := tlb.Stats(); stats.Hits == 0 {
		t.Fatalf("expected at least one TLB hit, got stats %+v", stats)
	}
}

func TestReadListRewalksAfterInvalidation(t *testing.T) {
	b := newCountingBackend()
	dtb := uint64(0x1000)
	physPage := uint64(0x9000_0000)

	buildSingleLevelX64(b, dtb, physPage)
	b.put(physPage, []byte{1, 2, 3, 4})

	validator := cachevalidator.NewCountValidator(1)
	tlb := tlbcache.New(64, archspec.Lookup(archspec.X64).PageSize, validator)
	view := New(b, archspec.Lookup(archspec.X64), memtype.Address(dtb), tlb)

	va := memtype.Address(0)
	out := make([]byte, 4)

	if err := view.ReadList([]mmu.Op{{Addr: va, Buffer: out}}, nil); err != nil {
		t.Fatalf("ReadList error: %v", err)
	}

	callsAfterFirst := b.readCalls

	// One UpdateValidity call happens per ReadList; maxOps=1 means the slot
	// is still valid for exactly one more top-level call, then expires.
	if err := view.ReadList([]mmu.Op{{Addr: va, Buffer: out}}, nil); err != nil {
		t.Fatalf("ReadList error: %v", err)
	}

	// A TLB hit costs exactly one backend call: the data read.
	if b.readCalls != callsAfterFirst+1 {
		t.Fatalf("second call should still be a TLB hit: calls went from %d to %d", callsAfterFirst, b.readCalls)
	}

	callsAfterSecond := b.readCalls

	if err := view.ReadList([]mmu.Op{{Addr: va, Buffer: out}}, nil); err != nil {
		t.Fatalf("ReadList error: %v", err)
	}

	if b.readCalls <= callsAfterSecond+1 {
		t.Fatalf("expected the expired slot to force a re-walk, calls went from %d to %d", callsAfterSecond, b.readCalls)
	}
}

func TestReadListBypassesTLBWhenTooLong(t *testing.T) {
	b := newCountingBackend()
	dtb := uint64(0x1000)
	physPage := uint64(0x9000_0000)

	buildSingleLevelX64(b, dtb, physPage)
	b.put(physPage, make([]byte, archspec.Lookup(archspec.X64).PageSize))

	tlb := tlbcache.New(2, archspec.Lookup(archspec.X64).PageSize, cachevalidator.NewCountValidator(1000))
	view := New(b, archspec.Lookup(archspec.X64), memtype.Address(dtb), tlb)

	// A read spanning more pages than the TLB has slots for must bypass the
	// TLB lookup entirely and go straight to the walker both times.
	big := make([]byte, 5*archspec.Lookup(archspec.X64).PageSize)

	if err := view.ReadList([]mmu.Op{{Addr: memtype.Address(0), Buffer: big}}, nil); err != nil {
		t.Fatalf("ReadList error: %v", err)
	}

	if stats := tlb.Stats(); stats.Hits != 0 || stats.NegativeHits != 0 {
		t.Fatalf("too-long read must never touch the TLB, got stats %+v", stats)
	}
}

func TestReadListNegativeEntryFailsFast(t *testing.T) {
	b := newCountingBackend()
	dtb := uint64(0x1000)

	// PML4 entry absent: translation fails.
	buf := make([]byte, archspec.Lookup(archspec.X64).PteSize)
	b.put(dtb, buf)

	tlb := tlbcache.New(64, archspec.Lookup(archspec.X64).PageSize, cachevalidator.NewCountValidator(1000))
	view := New(b, archspec.Lookup(archspec.X64), memtype.Address(dtb), tlb)

	va := memtype.Address(0)
	out := make([]byte, 4)

	var failures int

	if err := view.ReadList([]mmu.Op{{Addr: va, Buffer: out}}, func(mmu.FailedOp) { failures++ }); err != nil {
		t.Fatalf("ReadList error: %v", err)
	}

	if failures != 1 {
		t.Fatalf("expected 1 failure from the first walk, got %d", failures)
	}

	callsAfterFirst := b.readCalls
	failures = 0

	if err := view.ReadList([]mmu.Op{{Addr: va, Buffer: out}}, func(mmu.FailedOp) { failures++ }); err != nil {
		t.Fatalf("ReadList error: %v", err)
	}

	if failures != 1 {
		t.Fatalf("expected the negative entry to still fail the op, got %d failures", failures)
	}

	if b.readCalls != callsAfterFirst {
		t.Fatalf("negative TLB entry must fail fast without re-walking: calls went from %d to %d", callsAfterFirst, b.readCalls)
	}
}

func TestReadListWithoutTLBAlwaysWalks(t *testing.T) {
	b := newCountingBackend()
	dtb := uint64(0x1000)
	physPage := uint64(0x9000_0000)

	buildSingleLevelX64(b, dtb, physPage)
	b.put(physPage, []byte{9, 9, 9, 9})

	view := New(b, archspec.Lookup(archspec.X64), memtype.Address(dtb), nil)

	va := memtype.Address(0)
	out := make([]byte, 4)

	if err := view.ReadList([]mmu.Op{{Addr: va, Buffer: out}}, nil); err != nil {
		t.Fatalf("ReadList error: %v", err)
	}

	callsAfterFirst := b.readCalls

	if err := view.ReadList([]mmu.Op{{Addr: va, Buffer: out}}, nil); err != nil {
		t.Fatalf("ReadList error: %v", err)
	}

	if b.readCalls == callsAfterFirst {
		t.Fatal("a View with no TLB must re-walk on every call")
	}
}

func TestWriteListGoesThroughTranslation(t *testing.T) {
	b := newCountingBackend()
	dtb := uint64(0x1000)
	physPage := uint64(0x9000_0000)

	buildSingleLevelX64(b, dtb, physPage)

	view := New(b, archspec.Lookup(archspec.X64), memtype.Address(dtb), nil)

	va := memtype.Address(0x50)
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	if err := view.WriteList([]mmu.Op{{Addr: va, Buffer: payload}}, nil); err != nil {
		t.Fatalf("WriteList error: %v", err)
	}

	stored, ok := b.mem[physPage+0x50]
	if !ok {
		t.Fatal("expected write to land at the translated physical address")
	}

	if string(stored) != string(payload) {
		t.Fatalf("stored = %v, want %v", stored, payload)
	}
}
