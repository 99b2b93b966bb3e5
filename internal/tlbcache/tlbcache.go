// Package tlbcache implements a (translation-table-id, virtual-page) to
// physical-page cache sitting in front of the MMU walker: a hit skips the
// walk entirely, a negative entry remembers that a page has already been
// proven unmapped, and everything is gated by a cachevalidator.Validator.
package tlbcache

import (
	"sync"

	"github.com/orizon-lang/memflow/internal/cachevalidator"
	"github.com/orizon-lang/memflow/internal/memtype"
)

// invalidPtIndex marks a slot that has never been written.
const invalidPtIndex = ^uint64(0)

// entry is one cached (translation-table-id, virtual-page) -> physical-page
// mapping. A negative entry records that virtPage is known to fail
// translation under ptIndex, without needing a valid PhysicalAddress.
type entry struct {
	ptIndex  uint64
	virtPage memtype.Address
	physPage memtype.PhysicalAddress
	negative bool
}

// Stats tracks cache effectiveness across the Cache's lifetime.
type Stats struct {
	Hits         uint64
	NegativeHits uint64
	Misses       uint64
}

// Cache is a fixed-size array of translation-lookaside slots, indexed by
// (virtual page / page size) mod slot count.
type Cache struct {
	mu sync.Mutex

	entries  []entry
	pageSize uint64

	validator cachevalidator.Validator

	stats Stats
}

// New returns a Cache of size slots, each covering one pageSize-byte
// virtual page, gated by validator.
func New(size int, pageSize uint64, validator cachevalidator.Validator) *Cache {
	entries := make([]entry, size)
	for i := range entries {
		entries[i] = entry{ptIndex: invalidPtIndex, virtPage: memtype.Invalid}
	}

	validator.AllocateSlots(size)

	return &Cache{entries: entries, pageSize: pageSize, validator: validator}
}

func (c *Cache) slotIndex(pageAddr memtype.Address) int {
	return int((uint64(pageAddr) / c.pageSize) % uint64(len(c.entries)))
}

// IsReadTooLong reports whether a translation spanning length bytes would
// touch more distinct pages than this cache has slots for — a caller should
// bypass the TLB and call the walker directly rather than thrash every slot
// filling a cache that cannot hold the whole span anyway.
func (c *Cache) IsReadTooLong(length uint64) bool {
	return (length+c.pageSize-1)/c.pageSize > uint64(len(c.entries))
}

// TryEntry looks up addr under translation table ptIndex.
//
// found=false means nothing usable is cached; the caller must walk normally
// and report the outcome back via CacheEntry or CacheNegative.
// found=true, negative=true means this page is already known to fail
// translation under ptIndex.
// found=true, negative=false returns the cached physical address, adjusted
// to addr's offset within the cached page.
func (c *Cache) TryEntry(ptIndex uint64, addr memtype.Address) (phys memtype.PhysicalAddress, found bool, negative bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pageAddr := addr.PageAlign(c.pageSize)
	idx := c.slotIndex(pageAddr)
	e := c.entries[idx]

	if e.ptIndex != ptIndex || e.virtPage != pageAddr || !c.validator.IsSlotValid(idx) {
		c.stats.Misses++

		return memtype.PhysicalAddress{}, false, false
	}

	if e.negative {
		c.stats.NegativeHits++

		return memtype.PhysicalAddress{}, true, true
	}

	c.stats.Hits++

	offset := uint64(addr) - uint64(pageAddr)
	out := e.physPage
	out.Addr = out.Addr.PageAlign(c.pageSize).Add(offset)

	return out, true, false
}

// CacheEntry records a successful translation of addr (under ptIndex) to
// phys, for every address within addr's page.
func (c *Cache) CacheEntry(ptIndex uint64, addr memtype.Address, phys memtype.PhysicalAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pageAddr := addr.PageAlign(c.pageSize)
	idx := c.slotIndex(pageAddr)

	c.entries[idx] = entry{ptIndex: ptIndex, virtPage: pageAddr, physPage: phys}
	c.validator.ValidateSlot(idx)
}

// CacheNegative records that addr's page is known to fail translation under
// ptIndex, so a subsequent TryEntry can fail fast without re-walking.
func (c *Cache) CacheNegative(ptIndex uint64, addr memtype.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pageAddr := addr.PageAlign(c.pageSize)
	idx := c.slotIndex(pageAddr)

	c.entries[idx] = entry{ptIndex: ptIndex, virtPage: pageAddr, negative: true}
	c.validator.ValidateSlot(idx)
}

// CacheInvalidIfUncached fills every currently empty, already-negative, or
// expired slot of a page overlapping [addr, addr+length) (addr's own page
// when length is zero) with a negative entry for ptIndex, without disturbing
// any slot that already holds a live positive translation, and visits at
// most as many pages as the cache has slots. virtmem calls it for each span
// whose translation failed, so later lookups of those pages fail fast
// instead of re-walking.
func (c *Cache) CacheInvalidIfUncached(ptIndex uint64, addr memtype.Address, length uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pageAddr := addr.PageAlign(c.pageSize)

	last := addr
	if length > 0 {
		last = addr.Add(length - 1)
	}

	end := last.PageAlign(c.pageSize).Add(c.pageSize)

	count := 0

	for cur := uint64(pageAddr); cur < uint64(end) && count < len(c.entries); cur += c.pageSize {
		page := memtype.Address(cur)
		idx := c.slotIndex(page)
		e := &c.entries[idx]

		if e.ptIndex == invalidPtIndex || e.negative || !c.validator.IsSlotValid(idx) {
			e.ptIndex = ptIndex
			e.virtPage = page
			e.physPage = memtype.PhysicalAddress{}
			e.negative = true
			c.validator.ValidateSlot(idx)
		}

		count++
	}
}

// UpdateValidity advances the underlying Validator's notion of "now" (or
// "one more operation has elapsed"). Callers that wrap a Cache in a larger
// batched operation — spanning many TryEntry/CacheEntry calls — call this
// once per batch, the same contract CacheValidator implementations expect
// from any top-level operation.
func (c *Cache) UpdateValidity() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.validator.UpdateValidity()
}

// Stats returns a snapshot of cache hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}
