// Package archspec holds the per-architecture constant tables the MMU
// walker is parametric over: address width, endianness,
// page sizes, PTE size, virtual-address bit splits, and PTE flag decoders.
//
// Each architecture's splits, valid final-page steps, address-space width,
// PTE size, and present/writeable/nx/large-page bit positions are recorded
// as a data-driven table rather than per-architecture macros.
package archspec

import "github.com/orizon-lang/memflow/internal/memtype"

// Endianness of multi-byte PTE reads.
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

// ID names one of the architectures this module understands.
type ID string

const (
	X86    ID = "x86"
	X86PAE ID = "x86_pae"
	X64    ID = "x86_64"
	AArch64 ID = "aarch64"
)

// Spec is an immutable, process-lifetime-shared description of one
// architecture's paging shape.
type Spec struct {
	ID ID

	Bits             int
	Endian           Endianness
	PageSize         uint64
	AddressSpaceBits uint
	PteSize          int    // 4 or 8
	VirtualSplits    []uint // bit widths, most-significant level first

	// ValidFinalStepsList holds the step indices at which translation may
	// terminate early (large/huge pages); register() turns it into the
	// ValidFinalSteps set below.
	ValidFinalStepsList []int
	ValidFinalSteps     map[int]bool

	presentBit        uint
	writeableBit      uint
	writeableInverted bool // AArch64 AP[2]: set means read-only, not writeable
	nxBit             uint
	largePageBit      uint
}

// registry of immutable specs, built once at init and never mutated
// ArchSpec tables are static and shared across every walker that uses them.
var registry = map[ID]*Spec{}

func register(s *Spec) {
	steps := make(map[int]bool, len(s.ValidFinalStepsList))
	for _, i := range s.ValidFinalStepsList {
		steps[i] = true
	}

	s.ValidFinalSteps = steps
	registry[s.ID] = s
}

func init() {
	register(&Spec{
		ID: X64, Bits: 64, Endian: LittleEndian, PageSize: 4096,
		AddressSpaceBits: 52, PteSize: 8,
		VirtualSplits:        []uint{9, 9, 9, 9, 12},
		ValidFinalStepsList:  []int{2, 3, 4},
		presentBit:   0, writeableBit: 1, nxBit: 63, largePageBit: 7,
	})
	register(&Spec{
		ID: X86PAE, Bits: 32, Endian: LittleEndian, PageSize: 4096,
		AddressSpaceBits: 52, PteSize: 8,
		VirtualSplits:        []uint{2, 9, 9, 12},
		ValidFinalStepsList:  []int{2, 3},
		presentBit:   0, writeableBit: 1, nxBit: 63, largePageBit: 7,
	})
	register(&Spec{
		ID: X86, Bits: 32, Endian: LittleEndian, PageSize: 4096,
		AddressSpaceBits: 32, PteSize: 4,
		VirtualSplits:        []uint{10, 10, 12},
		ValidFinalStepsList:  []int{1, 2},
		presentBit:   0, writeableBit: 1, nxBit: 63 /* unused, no NX on plain x86 */, largePageBit: 7,
	})
	register(&Spec{
		ID: AArch64, Bits: 64, Endian: LittleEndian, PageSize: 4096,
		AddressSpaceBits: 48, PteSize: 8,
		VirtualSplits:        []uint{9, 9, 9, 9, 12},
		ValidFinalStepsList:  []int{2, 3, 4},
		presentBit: 0, writeableBit: 7, writeableInverted: true, nxBit: 54, largePageBit: 1,
	})
}

// Lookup returns the immutable Spec for id, or nil if unknown.
func Lookup(id ID) *Spec { return registry[id] }

// SplitCount is the number of page-table levels (len(VirtualSplits)).
func (s *Spec) SplitCount() int { return len(s.VirtualSplits) }

// PageSizeLevel returns the page size of a leaf terminating at page-table
// level pt (1-indexed from the leaf, matching the original's
// page_size_level: level 1 is the smallest page).
func (s *Spec) PageSizeLevel(pt int) uint64 {
	size := uint64(1) << s.VirtualSplits[len(s.VirtualSplits)-1]
	for i := len(s.VirtualSplits) - 2; i >= len(s.VirtualSplits)-pt; i-- {
		size <<= s.VirtualSplits[i]
	}

	return size
}

// PageSizeStep returns the page size a final mapping at walk step (0-indexed
// from the root) implies.
func (s *Spec) PageSizeStep(step int) uint64 {
	return s.PageSizeLevel(len(s.VirtualSplits) - step)
}

// IndexBits returns the bit offset range [lo, hi) of the VA slice consumed
// at walk step k.
func (s *Spec) IndexBits(k int) (lo, hi uint) {
	hi = s.bitOffsetAfter(k)
	lo = hi - s.VirtualSplits[k]

	return lo, hi
}

func (s *Spec) bitOffsetAfter(k int) uint {
	var total uint
	for i := k; i < len(s.VirtualSplits); i++ {
		total += s.VirtualSplits[i]
	}

	return total
}

// VaIndex extracts the virtual-address index at walk step k.
func (s *Spec) VaIndex(va memtype.Address, k int) uint64 {
	lo, hi := s.IndexBits(k)

	return va.BitRange(lo, hi)
}

// PteAddrMask is the mask selecting the next page-table physical base out of
// a PTE at step k: the low bound tracks the byte size of the table that step
// indexes into (2^split_k entries of pte_size bytes each), so a step whose
// table is smaller than a page (x86-PAE's 4-entry PDPT) masks fewer low bits
// than a full-page-sized table does.
func (s *Spec) PteAddrMask(k int) uint64 {
	min := s.VirtualSplits[k]
	if k != len(s.VirtualSplits)-1 {
		min += pteSizeLog2(s.PteSize)
	}

	return memtype.MakeBitMask(min, s.AddressSpaceBits-1)
}

func pteSizeLog2(pteSize int) uint {
	n := uint(0)
	for pteSize > 1 {
		pteSize >>= 1
		n++
	}

	return n
}

// FinalPageMask is the mask selecting a terminal page's physical base out of
// a PTE that terminates the walk at step: unlike PteAddrMask (which assumes
// the value points at a table the size of one entry group), a terminal entry
// at step may cover every split from step onward — a 1 GiB or 2 MiB region,
// not a single page-table-sized slab.
func (s *Spec) FinalPageMask(step int) uint64 {
	return memtype.MakeBitMask(s.bitOffsetAfter(step), s.AddressSpaceBits-1)
}

// FinalPageOffsetBits returns the width of the in-page offset preserved from
// the virtual address when a translation terminates at step — the low bound
// FinalPageMask masks away. Kept separate from FinalPageMask because the
// offset's complement needs to exclude the unused high bits above
// AddressSpaceBits-1 too, which a plain bitwise-not of the mask would not.
func (s *Spec) FinalPageOffsetBits(step int) uint {
	return s.bitOffsetAfter(step)
}

// PageOffsetMask masks the in-page byte offset (the final split's width).
func (s *Spec) PageOffsetMask() uint64 {
	pageBits := s.VirtualSplits[len(s.VirtualSplits)-1]

	return memtype.MakeBitMask(0, pageBits-1)
}

// PresentBit reports whether the PTE's present bit is set.
func (s *Spec) PresentBit(pte uint64) bool {
	return pte&(1<<s.presentBit) != 0
}

// WriteableBit reports whether pte, OR-accumulated with parentWriteable (the
// result from the ancestor level above), grants write access: once any level
// in the walk sets its writeable bit, the accumulated result stays writeable
// for the rest of the walk regardless of what descendant levels say.
// AArch64's AP[2] bit carries the opposite sense (set means read-only).
func (s *Spec) WriteableBit(pte uint64, parentWriteable bool) bool {
	bit := pte&(1<<s.writeableBit) != 0
	if s.writeableInverted {
		bit = !bit
	}

	return parentWriteable || bit
}

// NxBit reports whether pte, OR-accumulated with parentNx, marks the final
// mapping non-executable: once any level in the walk sets NX, the
// accumulated result stays non-executable regardless of descendant levels.
func (s *Spec) NxBit(pte uint64, parentNx bool) bool {
	if s.ID == X86 {
		return parentNx // plain x86 PTEs have no NX bit
	}

	return parentNx || pte&(1<<s.nxBit) != 0
}

// LargePageBit reports whether pte's large/huge-page bit is set.
func (s *Spec) LargePageBit(pte uint64) bool {
	return pte&(1<<s.largePageBit) != 0
}

// IsValidFinalStep reports whether translation may terminate at step k.
func (s *Spec) IsValidFinalStep(k int) bool { return s.ValidFinalSteps[k] }
