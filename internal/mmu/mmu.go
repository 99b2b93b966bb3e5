// Package mmu implements batched virtual-to-physical address translation
// driven by an archspec.Spec: handles large pages, multi-level page-table
// walks, and reports per-address failures without aborting the whole batch.
package mmu

import (
	"encoding/binary"
	"sort"

	"github.com/orizon-lang/memflow/internal/archspec"
	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memtype"
	"github.com/orizon-lang/memflow/internal/physmem"
)

// Reader is the read-only subset of physmem.Backend the walker needs to
// fetch page-table entries. In the full pipeline a PageCache sits between
// the walker and the raw backend and satisfies this interface too, so the
// walker never needs to know which one it is talking to.
type Reader interface {
	ReadList(ops []physmem.Op, onFail func(physmem.FailedOp)) error
}

// Op is one virtual address the caller wants translated, correlated back to
// the caller's own bookkeeping via Meta, with the buffer to fill or drain at
// the translated physical address.
type Op struct {
	Addr   memtype.Address
	Meta   uint64
	Buffer []byte
}

// FailedOp is an Op that could not be translated.
type FailedOp struct {
	Op
	Err error
}

// Result is one successfully translated span. Buffer may be a sub-slice of
// the original Op's buffer if it had to be split at a page boundary. Addr is
// the virtual address this span started at — carried alongside Meta so a
// caching wrapper can key a TLB entry on the input address without needing
// to reserve Meta for that purpose.
type Result struct {
	Addr   memtype.Address
	Phys   memtype.PhysicalAddress
	Meta   uint64
	Buffer []byte
}

// Walker translates virtual addresses for one architecture. It carries no
// state between calls; it is not safe to call concurrently from multiple
// goroutines — clone the Walker (it is a plain value) and give each
// goroutine its own Reader if parallel translation is needed.
type Walker struct {
	Arch   *archspec.Spec
	Reader Reader
}

// New returns a Walker for arch, reading PTEs through reader.
func New(arch *archspec.Spec, reader Reader) *Walker {
	return &Walker{Arch: arch, Reader: reader}
}

// lane is one still-in-flight (or newly terminated) translation unit: one
// contiguous span of virtual address space that has not yet crossed a
// page-table boundary.
type lane struct {
	addr   memtype.Address
	base   memtype.Address // current page-table physical base
	writ   bool             // OR-accumulated writeable bit so far
	nx     bool             // OR-accumulated nx bit so far
	meta   uint64
	buffer []byte
}

// Translate walks a single virtual address under directory-table base dtb.
func (w *Walker) Translate(dtb, va memtype.Address) (memtype.PhysicalAddress, error) {
	var (
		out  memtype.PhysicalAddress
		fail error
		got  bool
	)

	w.TranslateList(dtb, []Op{{Addr: va, Buffer: make([]byte, 1)}}, func(r Result) {
		out = r.Phys
		got = true
	}, func(f FailedOp) {
		fail = f.Err
	})

	if !got && fail == nil {
		fail = memerr.New(memerr.VirtualTranslateInvalidPte, "translation produced no result for %v", va)
	}

	return out, fail
}

// TranslateList performs a batched page-table walk: inputs are grouped at
// every step by the page-table entry they share, so
// one physical read satisfies every lane that needs it, and a lane is only
// removed from the working set once it terminates (large page or final
// level) or fails. Results and failures arrive in no guaranteed order,
// neither across Ops nor among the page-sized sub-spans of one Op; Meta and
// Addr identify the input each one belongs to.
func (w *Walker) TranslateList(dtb memtype.Address, ops []Op, onOK func(Result), onFail func(FailedOp)) {
	lanes := splitAtPageBoundary(ops, w.Arch.PageSize)

	rootBase := memtype.Address(uint64(dtb) & w.Arch.PteAddrMask(0))
	for i := range lanes {
		lanes[i].base = rootBase
	}

	last := w.Arch.SplitCount() - 1

	for level := 0; level < last && len(lanes) > 0; level++ {
		step := level + 1

		groups := groupByPteAddr(lanes, w.Arch, level)

		reads := make([]physmem.Op, 0, len(groups))
		pteBufs := make(map[memtype.Address][]byte, len(groups))

		for pteAddr := range groups {
			buf := make([]byte, w.Arch.PteSize)
			pteBufs[pteAddr] = buf
			reads = append(reads, physmem.Op{Addr: memtype.Bare(pteAddr), Buffer: buf})
		}

		sort.Slice(reads, func(i, j int) bool { return reads[i].Addr.Addr < reads[j].Addr.Addr })

		failed := map[memtype.Address]error{}

		if err := w.Reader.ReadList(reads, func(f physmem.FailedOp) {
			failed[f.Addr.AsAddress()] = f.Err
		}); err != nil {
			// A backend-wide failure fails every still-active lane.
			for pteAddr, idxs := range groups {
				for _, idx := range idxs {
					failLane(lanes[idx], memerr.Wrap(memerr.VirtualTranslateReadFailed, err, "reading pte at %v", pteAddr), onFail)
				}
			}

			return
		}

		var next []lane

		for pteAddr, idxs := range groups {
			if cause, bad := failed[pteAddr]; bad {
				for _, idx := range idxs {
					failLane(lanes[idx], memerr.Wrap(memerr.VirtualTranslateReadFailed, cause, "reading pte at %v", pteAddr), onFail)
				}

				continue
			}

			pte := decodePte(pteBufs[pteAddr], w.Arch)

			if !w.Arch.PresentBit(pte) {
				for _, idx := range idxs {
					failLane(lanes[idx], memerr.New(memerr.VirtualTranslatePageNotPresent, "pte at %v not present", pteAddr), onFail)
				}

				continue
			}

			for _, idx := range idxs {
				l := lanes[idx]
				l.writ = w.Arch.WriteableBit(pte, l.writ)
				l.nx = w.Arch.NxBit(pte, l.nx)

				terminal := w.Arch.IsValidFinalStep(step) && (step == last || w.Arch.LargePageBit(pte))
				if terminal {
					emitTerminal(l, pte, step, w.Arch, onOK)

					continue
				}

				l.base = memtype.Address(pte & w.Arch.PteAddrMask(step))
				next = append(next, l)
			}
		}

		lanes = next
	}

	// Any lane still active after the last page-table level is a malformed
	// walk (valid_final_page_steps should have guaranteed termination by
	// the final level for every well-formed architecture table).
	for _, l := range lanes {
		failLane(l, memerr.New(memerr.VirtualTranslateInvalidPte, "walk did not terminate for %v", l.addr), onFail)
	}
}

func failLane(l lane, err error, onFail func(FailedOp)) {
	if onFail == nil {
		return
	}

	onFail(FailedOp{Op: Op{Addr: l.addr, Meta: l.meta, Buffer: l.buffer}, Err: err})
}

func emitTerminal(l lane, pte uint64, step int, arch *archspec.Spec, onOK func(Result)) {
	if onOK == nil {
		return
	}

	pageMask := arch.FinalPageMask(step)
	offsetBits := arch.FinalPageOffsetBits(step)
	lowMask := uint64(1)<<offsetBits - 1
	physBase := pte & pageMask
	phys := physBase | (uint64(l.addr) & lowMask)

	typ := memtype.PageUnknown
	if l.writ {
		typ |= memtype.PageWriteable
	}

	if l.nx {
		typ |= memtype.PageNoExec
	}

	onOK(Result{
		Addr:   l.addr,
		Phys:   memtype.WithMeta(memtype.Address(phys), typ, arch.PageSizeStep(step)),
		Meta:   l.meta,
		Buffer: l.buffer,
	})
}

func decodePte(buf []byte, arch *archspec.Spec) uint64 {
	if arch.PteSize == 4 {
		if arch.Endian == archspec.BigEndian {
			return uint64(binary.BigEndian.Uint32(buf))
		}

		return uint64(binary.LittleEndian.Uint32(buf))
	}

	if arch.Endian == archspec.BigEndian {
		return binary.BigEndian.Uint64(buf)
	}

	return binary.LittleEndian.Uint64(buf)
}

// groupByPteAddr buckets every still-active lane by the physical address of
// the page-table entry it needs at level, so that lanes sharing a table
// entry (the common case for any contiguous range bigger than one leaf
// page) generate exactly one physical read between them.
func groupByPteAddr(lanes []lane, arch *archspec.Spec, level int) map[memtype.Address][]int {
	groups := make(map[memtype.Address][]int)

	for i, l := range lanes {
		idx := arch.VaIndex(l.addr, level)
		pteAddr := memtype.Address(uint64(l.base) + idx*uint64(arch.PteSize))
		groups[pteAddr] = append(groups[pteAddr], i)
	}

	return groups
}

// splitAtPageBoundary breaks each Op's buffer into spans that never cross a
// page-size boundary, so no lane can straddle two different final
// translations. This slightly over-splits huge-page-backed ranges (they
// could in principle share one lane per huge page), but correctness does
// not depend on it: lanes that end up sharing a huge page still collapse
// onto the same physical reads at every intermediate step.
func splitAtPageBoundary(ops []Op, pageSize uint64) []lane {
	var lanes []lane

	for _, op := range ops {
		addr := op.Addr
		remaining := op.Buffer

		for len(remaining) > 0 {
			toBoundary := pageSize - (uint64(addr) % pageSize)
			n := uint64(len(remaining))

			if toBoundary < n {
				n = toBoundary
			}

			lanes = append(lanes, lane{addr: addr, meta: op.Meta, buffer: remaining[:n]})

			remaining = remaining[n:]
			addr = addr.Add(n)
		}
	}

	return lanes
}
