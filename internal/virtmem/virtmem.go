// Package virtmem exposes virtual-address reads and writes over a physical
// backend, composing an MmuWalker with an optional TlbCache in front of it.
// This is the outermost layer of the read pipeline: callers issue virtual
// ops, the TLB serves whatever it already knows, and everything else is
// translated by the walker and satisfied by the backend (itself possibly a
// pagecache.Cache wrapping the raw backend).
package virtmem

import (
	"github.com/orizon-lang/memflow/internal/archspec"
	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memlog"
	"github.com/orizon-lang/memflow/internal/memtype"
	"github.com/orizon-lang/memflow/internal/mmu"
	"github.com/orizon-lang/memflow/internal/physmem"
	"github.com/orizon-lang/memflow/internal/tlbcache"
)

// View translates and satisfies virtual-memory reads/writes for one
// directory-table base. Its backend and walker may be shared with Views made
// by Clone; to use it from another goroutine, construct an independent View
// (see Clone) rather than sharing one.
type View struct {
	backend physmem.Backend
	walker  *mmu.Walker
	tlb     *tlbcache.Cache // nil disables TLB caching entirely
	dtb     memtype.Address
	ptIndex uint64
}

// New returns a View translating against arch's paging shape, rooted at
// dtb, reading page-table entries and page data through backend. tlb may be
// nil, in which case every read is driven straight through the walker.
func New(backend physmem.Backend, arch *archspec.Spec, dtb memtype.Address, tlb *tlbcache.Cache) *View {
	return &View{
		backend: backend,
		walker:  mmu.New(arch, backend),
		tlb:     tlb,
		dtb:     dtb,
		ptIndex: uint64(dtb),
	}
}

// Clone returns an independent View sharing this one's backend (assumed
// safe for concurrent use by distinct Views, as every physmem.Backend
// implementation in this module is), walker and architecture, with newTLB
// (nil disables TLB caching) in place of this View's TLB. Clone itself
// neither allocates nor clears a TLB.
func (v *View) Clone(newTLB *tlbcache.Cache) *View {
	return &View{
		backend: v.backend,
		walker:  v.walker,
		tlb:     newTLB,
		dtb:     v.dtb,
		ptIndex: v.ptIndex,
	}
}

// DirectoryTableBase returns the directory-table base this View was
// constructed with.
func (v *View) DirectoryTableBase() memtype.Address { return v.dtb }

// ReadList translates every op's virtual address and reads the resulting
// physical bytes into its Buffer; WriteList does the same for writes. Both
// route failed ops to onFail rather than aborting the rest of the batch;
// ReadList also logs every failed span at debug level.
func (v *View) ReadList(ops []mmu.Op, onFail func(mmu.FailedOp)) error {
	logFail := func(f mmu.FailedOp) {
		memlog.Debugf("virtual read of %d bytes at %v failed: %v", len(f.Buffer), f.Addr, f.Err)

		if onFail != nil {
			onFail(f)
		}
	}

	return v.run(ops, func(reads []physmem.Op, backendFail func(physmem.FailedOp)) error {
		return v.backend.ReadList(reads, backendFail)
	}, logFail)
}

func (v *View) WriteList(ops []mmu.Op, onFail func(mmu.FailedOp)) error {
	return v.run(ops, func(writes []physmem.Op, backendFail func(physmem.FailedOp)) error {
		return v.backend.WriteList(writes, backendFail)
	}, onFail)
}

// run implements the CachedVirtualTranslate algorithm: partition inputs
// into too-long-for-TLB, TLB-hit, and TLB-miss sets; drive the walker on
// the non-hit sets; update the TLB from the walker's outcome; then satisfy
// every translated address through the supplied backend operation.
func (v *View) run(ops []mmu.Op, backendOp func([]physmem.Op, func(physmem.FailedOp)) error, onFail func(mmu.FailedOp)) error {
	translated := make([]physmem.Op, 0, len(ops))

	addBackendOp := func(phys memtype.PhysicalAddress, op mmu.Op) {
		translated = append(translated, physmem.Op{Addr: phys, Meta: op.Meta, Buffer: op.Buffer})
	}

	if v.tlb == nil {
		v.walker.TranslateList(v.dtb, ops, func(r mmu.Result) {
			addBackendOp(r.Phys, mmu.Op{Addr: r.Addr, Meta: r.Meta, Buffer: r.Buffer})
		}, onFail)

		return backendOp(translated, wrapBackendFail(onFail))
	}

	v.tlb.UpdateValidity()

	var tooLong, miss []mmu.Op

	for _, op := range ops {
		if v.tlb.IsReadTooLong(uint64(len(op.Buffer))) {
			tooLong = append(tooLong, op)
			continue
		}

		phys, found, negative := v.tlb.TryEntry(v.ptIndex, op.Addr)
		if !found {
			miss = append(miss, op)
			continue
		}

		if negative {
			failOp(op, onFail)
			continue
		}

		addBackendOp(phys, op)
	}

	if len(tooLong) > 0 {
		v.walker.TranslateList(v.dtb, tooLong, func(r mmu.Result) {
			addBackendOp(r.Phys, mmu.Op{Addr: r.Addr, Meta: r.Meta, Buffer: r.Buffer})
		}, onFail)
	}

	if len(miss) > 0 {
		v.walker.TranslateList(v.dtb, miss, func(r mmu.Result) {
			v.tlb.CacheEntry(v.ptIndex, r.Addr, r.Phys)
			addBackendOp(r.Phys, mmu.Op{Addr: r.Addr, Meta: r.Meta, Buffer: r.Buffer})
		}, func(f mmu.FailedOp) {
			v.tlb.CacheInvalidIfUncached(v.ptIndex, f.Addr, uint64(len(f.Buffer)))
			failOp(f.Op, onFail)
		})
	}

	if len(translated) == 0 {
		return nil
	}

	return backendOp(translated, wrapBackendFail(onFail))
}

func failOp(op mmu.Op, onFail func(mmu.FailedOp)) {
	if onFail == nil {
		return
	}

	onFail(mmu.FailedOp{Op: op, Err: memerr.New(memerr.VirtualTranslatePageNotPresent, "negative TLB entry for %v", op.Addr)})
}

// wrapBackendFail adapts a physmem.FailedOp callback to the virtual-address
// FailedOp shape the caller expects, since by this point every op's Addr
// has already been translated to physical.
func wrapBackendFail(onFail func(mmu.FailedOp)) func(physmem.FailedOp) {
	if onFail == nil {
		return nil
	}

	return func(f physmem.FailedOp) {
		onFail(mmu.FailedOp{Op: mmu.Op{Addr: f.Addr.AsAddress(), Meta: f.Meta, Buffer: f.Buffer}, Err: f.Err})
	}
}
