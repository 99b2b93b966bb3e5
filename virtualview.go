package memflow

import (
	"time"

	"github.com/orizon-lang/memflow/internal/archspec"
	"github.com/orizon-lang/memflow/internal/cachevalidator"
	"github.com/orizon-lang/memflow/internal/memtype"
	"github.com/orizon-lang/memflow/internal/mmu"
	"github.com/orizon-lang/memflow/internal/pagecache"
	"github.com/orizon-lang/memflow/internal/physmem"
	"github.com/orizon-lang/memflow/internal/tlbcache"
	"github.com/orizon-lang/memflow/internal/virtmem"
)

// defaultCacheValidity is how long a page-cache or TLB slot stays valid
// after being (re)populated. Every cache NewVirtualView installs uses it;
// connector arguments set only slot counts. Matches a human blink: long enough to
// absorb a burst of reads against a page, short enough that a live target's
// memory doesn't go stale for long.
const defaultCacheValidity = 250 * time.Millisecond

// VirtualView translates and satisfies virtual-memory reads/writes for one
// directory-table base, optionally sitting a page cache and a TLB in front
// of the connector's raw backend.
type VirtualView struct {
	view *virtmem.View
}

// NewVirtualView builds a VirtualView over conn's backend, rooted at dtb.
// If conn's argument string carried a "cache_size" (page-cache slot count)
// or "tlb_size" (TLB slot count), the corresponding cache is installed;
// absent or zero leaves that layer out of the pipeline entirely.
func NewVirtualView(conn *Connector, dtb memtype.Address) *VirtualView {
	arch := conn.Arch()

	backend := conn.Backend()
	if slots := conn.CacheSlots(); slots > 0 {
		backend = pagecache.New(backend, cachevalidator.NewTimedValidator(defaultCacheValidity), arch.PageSize, slots,
			memtype.PageReadOnly|memtype.PageWriteable|memtype.PageTable|memtype.PageNoExec|memtype.PageUnknown)
	}

	var tlb *tlbcache.Cache
	if slots := conn.TLBSlots(); slots > 0 {
		tlb = tlbcache.New(slots, arch.PageSize, cachevalidator.NewTimedValidator(defaultCacheValidity))
	}

	return &VirtualView{view: virtmem.New(backend, arch, dtb, tlb)}
}

// newVirtualViewFor builds a VirtualView over backend directly, bypassing
// Connector's cache-sizing arguments — used by System to read kernel/process
// structures through the same backend walkers were built on, uncached,
// since kernel discovery runs exactly once per System.
func newVirtualViewFor(backend physmem.Backend, arch *archspec.Spec, dtb memtype.Address) *VirtualView {
	return &VirtualView{view: virtmem.New(backend, arch, dtb, nil)}
}

// DirectoryTableBase returns the directory-table base this view was
// constructed with.
func (v *VirtualView) DirectoryTableBase() memtype.Address { return v.view.DirectoryTableBase() }

// Read fills buf with the bytes at virtual address addr.
func (v *VirtualView) Read(addr memtype.Address, buf []byte) error {
	var failed error

	if err := v.view.ReadList([]mmu.Op{{Addr: addr, Buffer: buf}}, func(f mmu.FailedOp) { failed = f.Err }); err != nil {
		return err
	}

	return failed
}

// Write stores buf at virtual address addr.
func (v *VirtualView) Write(addr memtype.Address, buf []byte) error {
	var failed error

	if err := v.view.WriteList([]mmu.Op{{Addr: addr, Buffer: buf}}, func(f mmu.FailedOp) { failed = f.Err }); err != nil {
		return err
	}

	return failed
}

// ReadList and WriteList expose the batched form directly for callers that
// want to translate many spans in one pass.
func (v *VirtualView) ReadList(ops []mmu.Op, onFail func(mmu.FailedOp)) error {
	return v.view.ReadList(ops, onFail)
}

func (v *VirtualView) WriteList(ops []mmu.Op, onFail func(mmu.FailedOp)) error {
	return v.view.WriteList(ops, onFail)
}
