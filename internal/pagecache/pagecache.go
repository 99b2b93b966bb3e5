// Package pagecache implements a fixed-size, page-granular cache sitting
// between a virtual-memory walker and a physical backend: a read that misses
// pulls a whole page through the backend once and serves every subsequent
// read of that page, of any sub-range, from memory until a Validator says
// the slot has gone stale.
package pagecache

import (
	"sync"

	"github.com/orizon-lang/memflow/internal/cachevalidator"
	"github.com/orizon-lang/memflow/internal/memtype"
	"github.com/orizon-lang/memflow/internal/physmem"
)

// Stats tracks cache effectiveness across the Cache's lifetime.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Cache is a PhysicalBackend-shaped page cache: fixed array of
// (page-aligned address, page-size bytes) slots gated by a Validator,
// wrapping an underlying backend that it reads through on a miss.
type Cache struct {
	mu sync.Mutex

	pageSize uint64
	mask     memtype.PageType
	backend  physmem.Backend
	validator cachevalidator.Validator

	addr []memtype.Address // page-aligned address currently held by each slot
	data []byte            // slots*pageSize contiguous storage

	stats Stats
}

// New returns a Cache of slots pages, each pageSize bytes, eligible for
// caching entries whose PageType intersects mask, reading through backend on
// a miss and gated by validator.
func New(backend physmem.Backend, validator cachevalidator.Validator, pageSize uint64, slots int, mask memtype.PageType) *Cache {
	c := &Cache{
		pageSize:  pageSize,
		mask:      mask,
		backend:   backend,
		validator: validator,
		addr:      make([]memtype.Address, slots),
		data:      make([]byte, uint64(slots)*pageSize),
	}

	for i := range c.addr {
		c.addr[i] = memtype.Invalid
	}

	validator.AllocateSlots(slots)

	return c
}

func (c *Cache) slotIndex(pageAddr memtype.Address) int {
	return int((uint64(pageAddr) / c.pageSize) % uint64(len(c.addr)))
}

func (c *Cache) pageBytes(slot int) []byte {
	start := uint64(slot) * c.pageSize
	return c.data[start : start+c.pageSize]
}

// chunk is one sub-range of a caller Op that does not cross a page boundary.
type chunk struct {
	op         physmem.Op
	pageAddr   memtype.Address
	pageOffset uint64
	cacheable  bool
}

func (c *Cache) splitChunks(ops []physmem.Op) []chunk {
	var chunks []chunk

	for _, op := range ops {
		addr := op.Addr.AsAddress()
		remaining := op.Buffer
		meta := op.Addr.Meta

		cacheable := meta != nil && meta.Type.Intersects(c.mask)

		for len(remaining) > 0 {
			pageAddr := addr.PageAlign(c.pageSize)
			offset := uint64(addr) - uint64(pageAddr)
			toBoundary := c.pageSize - offset

			n := uint64(len(remaining))
			if toBoundary < n {
				n = toBoundary
			}

			chunks = append(chunks, chunk{
				op:         physmem.Op{Addr: memtype.PhysicalAddress{Addr: addr, Meta: meta}, Meta: op.Meta, Buffer: remaining[:n]},
				pageAddr:   pageAddr,
				pageOffset: offset,
				cacheable:  cacheable,
			})

			remaining = remaining[n:]
			addr = addr.Add(n)
		}
	}

	return chunks
}

// pageMiss groups every chunk across the batch that needs the same
// physical page fetched, so one backend read satisfies all of them.
type pageMiss struct {
	slot   int
	chunks []*chunk
}

// ReadList implements the cached-read algorithm: split into page-aligned
// chunks, satisfy whatever already has a valid slot, batch the rest (plus
// any non-cacheable chunk, which always bypasses the cache) into one
// backend call, then populate slots and copy results out.
func (c *Cache) ReadList(ops []physmem.Op, onFail func(physmem.FailedOp)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.validator.UpdateValidity()

	chunks := c.splitChunks(ops)

	var bypass []physmem.Op

	misses := map[memtype.Address]*pageMiss{}

	for i := range chunks {
		ch := &chunks[i]

		if !ch.cacheable {
			bypass = append(bypass, ch.op)
			continue
		}

		slot := c.slotIndex(ch.pageAddr)

		if c.addr[slot] == ch.pageAddr && c.validator.IsSlotValid(slot) {
			copy(ch.op.Buffer, c.pageBytes(slot)[ch.pageOffset:uint64(len(ch.op.Buffer))+ch.pageOffset])
			c.stats.Hits++

			continue
		}

		pm, ok := misses[ch.pageAddr]
		if !ok {
			pm = &pageMiss{slot: slot}
			misses[ch.pageAddr] = pm
		}

		pm.chunks = append(pm.chunks, ch)
	}

	c.stats.Misses += uint64(len(misses)) + uint64(len(bypass))

	reads := make([]physmem.Op, 0, len(misses)+len(bypass))
	reads = append(reads, bypass...)

	for addr, pm := range misses {
		reads = append(reads, physmem.Op{Addr: memtype.Bare(addr), Buffer: c.pageBytes(pm.slot)})
	}

	failedPages := map[memtype.Address]error{}

	if err := c.backend.ReadList(reads, func(f physmem.FailedOp) {
		if _, ok := misses[f.Addr.AsAddress()]; ok {
			failedPages[f.Addr.AsAddress()] = f.Err
			return
		}

		if onFail != nil {
			onFail(f)
		}
	}); err != nil {
		return err
	}

	for addr, pm := range misses {
		if cause, bad := failedPages[addr]; bad {
			c.validator.InvalidateSlot(pm.slot)

			for _, ch := range pm.chunks {
				if onFail != nil {
					onFail(physmem.FailedOp{Op: ch.op, Err: cause})
				}
			}

			continue
		}

		c.addr[pm.slot] = addr
		c.validator.ValidateSlot(pm.slot)

		page := c.pageBytes(pm.slot)
		for _, ch := range pm.chunks {
			copy(ch.op.Buffer, page[ch.pageOffset:uint64(len(ch.op.Buffer))+ch.pageOffset])
		}
	}

	return nil
}

// WriteList passes writes straight through to the backend, then
// invalidates any slot the write touched so a subsequent read does not
// serve stale data.
func (c *Cache) WriteList(ops []physmem.Op, onFail func(physmem.FailedOp)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.backend.WriteList(ops, onFail); err != nil {
		return err
	}

	for _, op := range ops {
		if len(op.Buffer) == 0 {
			continue
		}

		pageAddr := op.Addr.AsAddress().PageAlign(c.pageSize)
		lastPage := op.Addr.AsAddress().Add(uint64(len(op.Buffer)) - 1).PageAlign(c.pageSize)

		for {
			slot := c.slotIndex(pageAddr)

			if c.addr[slot] == pageAddr {
				c.validator.InvalidateSlot(slot)
			}

			if pageAddr == lastPage {
				break
			}

			pageAddr = pageAddr.Add(c.pageSize)
		}
	}

	return nil
}

func (c *Cache) Metadata() physmem.Metadata { return c.backend.Metadata() }

// Stats returns a snapshot of cache hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}
