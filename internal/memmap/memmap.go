// Package memmap implements the guest-to-backend address remapping layer
// an ordered, non-overlapping list of (guest base, size,
// backend base) ranges, binary-searched on lookup.
//
// Grounded on internal/runtime/kernel/memory.go's PhysicalMemoryManager
// region list, generalized from an append-only slice into a sorted,
// overlap-checked range table with gap-forwarding lookups.
package memmap

import (
	"sort"

	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memtype"
)

// Range is one contiguous span of guest-physical address space backed by a
// contiguous span of backend-native offsets.
type Range struct {
	GuestBase   memtype.Address
	Size        uint64
	BackendBase memtype.Address
}

func (r Range) end() uint64 { return uint64(r.GuestBase) + r.Size }

func (r Range) contains(a memtype.Address) bool {
	return uint64(a) >= uint64(r.GuestBase) && uint64(a) < r.end()
}

// Map is an ordered, non-overlapping list of Ranges.
type Map struct {
	ranges []Range
}

// New returns an empty Map.
func New() *Map { return &Map{} }

// Push appends a range, keeping the list sorted by GuestBase. It fails with
// memerr.Bounds if the new range overlaps an existing one.
func (m *Map) Push(guestBase memtype.Address, size uint64, backendBase memtype.Address) error {
	if size == 0 {
		return memerr.New(memerr.Bounds, "zero-size range at %v", guestBase)
	}

	r := Range{GuestBase: guestBase, Size: size, BackendBase: backendBase}

	idx := sort.Search(len(m.ranges), func(i int) bool {
		return uint64(m.ranges[i].GuestBase) >= uint64(guestBase)
	})

	if idx > 0 && m.ranges[idx-1].end() > uint64(guestBase) {
		return memerr.New(memerr.Bounds, "range %v..+%d overlaps preceding range", guestBase, size)
	}

	if idx < len(m.ranges) && r.end() > uint64(m.ranges[idx].GuestBase) {
		return memerr.New(memerr.Bounds, "range %v..+%d overlaps following range", guestBase, size)
	}

	m.ranges = append(m.ranges, Range{})
	copy(m.ranges[idx+1:], m.ranges[idx:])
	m.ranges[idx] = r

	return nil
}

// find returns the index of the range containing a, or -1.
func (m *Map) find(a memtype.Address) int {
	idx := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].end() > uint64(a)
	})

	if idx < len(m.ranges) && m.ranges[idx].contains(a) {
		return idx
	}

	return -1
}

// RealSize is the sum of all range sizes.
func (m *Map) RealSize() uint64 {
	var total uint64
	for _, r := range m.ranges {
		total += r.Size
	}

	return total
}

// MaxAddress is the highest guest address covered (exclusive end - 1), or 0
// for an empty map.
func (m *Map) MaxAddress() memtype.Address {
	if len(m.ranges) == 0 {
		return 0
	}

	last := m.ranges[len(m.ranges)-1]

	return memtype.Address(last.end() - 1)
}

// Input is one span the caller wants translated: a guest address, an
// opaque meta value correlating it back to the caller's original request,
// and the buffer to fill/drain.
type Input struct {
	Addr   memtype.Address
	Meta   uint64
	Buffer []byte
}

// Output is a span that landed inside a mapped range: BackendOffset is the
// backend-native address to read/write at, and Buffer is the (possibly
// split) sub-slice of the original input buffer it corresponds to.
type Output struct {
	BackendOffset memtype.Address
	Meta          uint64
	Buffer        []byte
}

// MapIter translates each Input into zero or more Outputs, splitting spans
// that cross range boundaries and forwarding bytes that fall in a gap to
// onFail. The smallest enclosing range wins on lookup (there is at most one
// since ranges never overlap after Push).
func (m *Map) MapIter(inputs []Input, onFail func(Input)) []Output {
	var outs []Output

	for _, in := range inputs {
		remaining := in.Buffer
		addr := in.Addr

		for len(remaining) > 0 {
			idx := m.find(addr)
			if idx < 0 {
				// Advance to the start of the gap's extent: up to the next
				// range's GuestBase, or to the end of the buffer.
				gapLen := uint64(len(remaining))

				nextIdx := sort.Search(len(m.ranges), func(i int) bool {
					return uint64(m.ranges[i].GuestBase) > uint64(addr)
				})
				if nextIdx < len(m.ranges) {
					toNext := uint64(m.ranges[nextIdx].GuestBase) - uint64(addr)
					if toNext < gapLen {
						gapLen = toNext
					}
				}

				if onFail != nil {
					onFail(Input{Addr: addr, Meta: in.Meta, Buffer: remaining[:gapLen]})
				}

				remaining = remaining[gapLen:]
				addr = addr.Add(gapLen)

				continue
			}

			r := m.ranges[idx]
			spanLen := uint64(len(remaining))
			toRangeEnd := r.end() - uint64(addr)

			if toRangeEnd < spanLen {
				spanLen = toRangeEnd
			}

			backendOff := memtype.Address(uint64(r.BackendBase) + (uint64(addr) - uint64(r.GuestBase)))

			outs = append(outs, Output{
				BackendOffset: backendOff,
				Meta:          in.Meta,
				Buffer:        remaining[:spanLen],
			})

			remaining = remaining[spanLen:]
			addr = addr.Add(spanLen)
		}
	}

	return outs
}
