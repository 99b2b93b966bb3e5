package kernelfinder

import (
	"context"
	"encoding/binary"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memtype"
	"github.com/orizon-lang/memflow/internal/mmu"
	"github.com/orizon-lang/memflow/internal/virtmem"
)

const (
	kernelBaseChunkSize = 2 * 1024 * 1024
	kernelBaseMaxBack   = 16 * 1024 * 1024
	candidatePageSize   = 4096
	dosMagicMZ          = 0x5a4d // "MZ" little-endian
	dosELfanewOffset    = 0x3c
	dosELfanewMax       = 0x800
)

// FindKernelBase searches backward from hint (masked to its containing
// 128 KiB block, per the low stub's own alignment) in 2 MiB chunks, up to
// 16 MiB back, for a page that looks like ntoskrnl.exe's DOS header and
// carries a POOLCODE tag, confirmed by the PE parser's own module name.
// Chunks are scanned concurrently; the closest-to-hint hit wins.
func (f *Finder) FindKernelBase(ctx context.Context, dtb, hint memtype.Address) (memtype.Address, error) {
	view := virtmem.New(f.backend, f.arch, dtb, nil)

	start := uint64(hint) &^ 0x1ffff
	chunks := int(kernelBaseMaxBack / kernelBaseChunkSize)

	hits := make([]memtype.Address, chunks)
	found := make([]bool, chunks)

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < chunks; i++ {
		i := i

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			offset := uint64(i) * kernelBaseChunkSize
			if offset > start {
				return nil
			}

			chunkBase := memtype.Address(start - offset)

			addr, ok := f.scanChunkForKernel(view, chunkBase, kernelBaseChunkSize)
			if ok {
				hits[i] = addr
				found[i] = true
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, memerr.Wrap(memerr.KernelFinderNotFound, err, "scanning for kernel base near hint %v", hint)
	}

	for i := 0; i < chunks; i++ {
		if found[i] {
			return hits[i], nil
		}
	}

	return 0, memerr.New(memerr.KernelFinderNotFound, "no kernel-base candidate found within %d bytes of hint %v", kernelBaseMaxBack, hint)
}

// FindKernelBaseNoHint is the fallback used when the low stub carried no
// usable VA hint: it scans 2 MiB-aligned candidates across the finder's
// configured high-half window.
func (f *Finder) FindKernelBaseNoHint(dtb memtype.Address) (memtype.Address, error) {
	view := virtmem.New(f.backend, f.arch, dtb, nil)

	for addr := uint64(f.highHalfStart); addr < uint64(f.highHalfEnd); addr += kernelBaseChunkSize {
		if ok := f.checkCandidate(view, memtype.Address(addr), true); ok {
			return memtype.Address(addr), nil
		}
	}

	return 0, memerr.New(memerr.KernelFinderNotFound, "no kernel-base candidate found in [%v, %v)", f.highHalfStart, f.highHalfEnd)
}

func (f *Finder) scanChunkForKernel(view *virtmem.View, chunkBase memtype.Address, chunkSize uint64) (memtype.Address, bool) {
	for off := uint64(0); off < chunkSize; off += candidatePageSize {
		addr := chunkBase.Add(off)
		if f.checkCandidate(view, addr, false) {
			return addr, true
		}
	}

	return 0, false
}

// checkCandidate reads one page at addr and applies the DOS-header and
// POOLCODE-tag tests; if both pass, it reads a wider header window and hands
// it to the PE parser to confirm the module name. When requireChecksum is
// set (the no-hint scan, which has no VA proximity to lean on), a candidate
// whose optional-header CheckSum is zero is rejected too.
func (f *Finder) checkCandidate(view *virtmem.View, addr memtype.Address, requireChecksum bool) bool {
	page := make([]byte, candidatePageSize)

	var failed bool

	if err := view.ReadList([]mmu.Op{{Addr: addr, Buffer: page}}, func(mmu.FailedOp) { failed = true }); err != nil || failed {
		return false
	}

	if binary.LittleEndian.Uint16(page[0:2]) != dosMagicMZ {
		return false
	}

	if len(page) < dosELfanewOffset+4 {
		return false
	}

	elfanew := binary.LittleEndian.Uint32(page[dosELfanewOffset : dosELfanewOffset+4])
	if elfanew > dosELfanewMax {
		return false
	}

	if poolCodePattern.Find(page) < 0 {
		return false
	}

	header := make([]byte, f.headerWindow)

	var headerFailed bool

	if err := view.ReadList([]mmu.Op{{Addr: addr, Buffer: header}}, func(mmu.FailedOp) { headerFailed = true }); err != nil || headerFailed {
		return false
	}

	img, err := f.parsePE(header)
	if err != nil {
		return false
	}

	if requireChecksum && img.Checksum() == 0 {
		return false
	}

	name, ok := img.Name()

	return ok && name == "ntoskrnl.exe"
}
