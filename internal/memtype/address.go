// Package memtype holds the value types shared by every memflow layer:
// addresses (virtual or bare physical), physical addresses carrying optional
// page metadata, and page-type flags. Modeled after a bitflag/const-block
// idiom for address/region/flag types.
package memtype

import "fmt"

// Address is a 64-bit address in either virtual or bare-physical space.
type Address uint64

const (
	// Null is the canonical zero address.
	Null Address = 0
	// Invalid is the all-ones sentinel used throughout the cache layer to
	// mark an empty or deliberately-unmapped slot.
	Invalid Address = ^Address(0)
)

// PageAlign rounds a down to the nearest multiple of pageSize.
func (a Address) PageAlign(pageSize uint64) Address {
	return Address(uint64(a) &^ (pageSize - 1))
}

// BitRange extracts bits [lo, hi) of a, shifted down to bit 0.
func (a Address) BitRange(lo, hi uint) uint64 {
	width := hi - lo
	mask := uint64(1)<<width - 1

	return (uint64(a) >> lo) & mask
}

// IsValid reports whether a is not the Invalid sentinel.
func (a Address) IsValid() bool { return a != Invalid }

// IsNull reports whether a is the zero address.
func (a Address) IsNull() bool { return a == Null }

// Add returns a+n. Unlike a live pointer, this never panics on overflow:
// addresses here are synthetic wire values, not host pointers.
func (a Address) Add(n uint64) Address { return Address(uint64(a) + n) }

// String formats the address in lowercase hex.
func (a Address) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

// MakeBitMask returns a mask with bits [lo, hi] (inclusive) set.
func MakeBitMask(lo, hi uint) uint64 {
	if hi >= 63 {
		return ^uint64(0) << lo
	}

	return (uint64(1)<<(hi+1) - 1) &^ (uint64(1)<<lo - 1)
}

// Length is a byte length, kept as a distinct type so call sites cannot
// confuse an address with a span.
type Length uint64

// PageType is a flag set carried through the walker so caches and callers
// can filter which page classes participate.
type PageType uint8

const (
	PageUnknown PageType = 0
	PageReadOnly PageType = 1 << iota
	PageWriteable
	PageTable
	PageNoExec
)

// Has reports whether all bits in mask are set in p.
func (p PageType) Has(mask PageType) bool { return p&mask == mask }

// Intersects reports whether p and mask share any bit, the weaker test a
// cache's eligibility filter uses (a page qualifies if it carries any one of
// the cacheable type flags, not all of them).
func (p PageType) Intersects(mask PageType) bool { return p&mask != 0 }

// PageMeta carries the page classification the MMU walker derived for a
// translated address: its type flags and the leaf page size it resolved at.
type PageMeta struct {
	Type PageType
	Size uint64
}

// PhysicalAddress is an Address plus optional page metadata. A nil Meta
// means the address was constructed directly (e.g. by a crash-dump range
// lookup) rather than produced by the MMU walker.
type PhysicalAddress struct {
	Addr Address
	Meta *PageMeta
}

// Bare constructs a PhysicalAddress with no page metadata.
func Bare(a Address) PhysicalAddress { return PhysicalAddress{Addr: a} }

// WithMeta constructs a PhysicalAddress carrying walker-derived page info.
func WithMeta(a Address, typ PageType, size uint64) PhysicalAddress {
	return PhysicalAddress{Addr: a, Meta: &PageMeta{Type: typ, Size: size}}
}

// AsAddress downgrades a PhysicalAddress to a bare Address for backend reads.
func (p PhysicalAddress) AsAddress() Address { return p.Addr }

// PageAligned returns the PhysicalAddress's page-aligned base, using the
// walker-derived page size if present, else pageSize.
func (p PhysicalAddress) PageAligned(pageSize uint64) Address {
	sz := pageSize
	if p.Meta != nil && p.Meta.Size != 0 {
		sz = p.Meta.Size
	}

	return p.Addr.PageAlign(sz)
}

// IsValid mirrors Address.IsValid for the wrapped address.
func (p PhysicalAddress) IsValid() bool { return p.Addr.IsValid() }

func (p PhysicalAddress) String() string { return p.Addr.String() }
