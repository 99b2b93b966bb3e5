package kernelfinder

import (
	"encoding/binary"

	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memtype"
	"github.com/orizon-lang/memflow/internal/physmem"
)

const (
	lowStubMask   = 0xffff_ffff_ffff_00ff
	lowStubMatch  = 0x0000_0001_0006_00e9
	lowStubDtbOff = 0xa0
	lowStubHintOff = 0x70
	lowStubSize   = 0x100
	canonicalHighMask = 0xffff_8000_0000_0000
)

// FindStartBlock scans low physical memory for the x86-64 low-stub
// signature and extracts the directory-table base and kernel VA hint it
// carries. If no low stub is found, it falls back to scanning for a page
// that looks like a plausible PML4 root.
func (f *Finder) FindStartBlock() (dtb memtype.Address, hint memtype.Address, err error) {
	if dtb, hint, ok := f.scanLowStub(); ok {
		return dtb, hint, nil
	}

	if dtb, ok := f.scanCandidatePML4(); ok {
		return dtb, memtype.Invalid, nil
	}

	return 0, 0, memerr.New(memerr.KernelFinderNotFound, "no low-stub or candidate PML4 root found in the first %d bytes", f.scanLimit)
}

func (f *Finder) scanLowStub() (dtb, hint memtype.Address, ok bool) {
	const pageSize = 4096

	for base := uint64(0); base+lowStubSize <= f.scanLimit; base += pageSize {
		buf := make([]byte, lowStubSize)

		var readErr error

		if err := f.backend.ReadList([]physmem.Op{{Addr: memtype.Bare(memtype.Address(base)), Buffer: buf}}, func(fop physmem.FailedOp) {
			readErr = fop.Err
		}); err != nil || readErr != nil {
			continue
		}

		first := binary.LittleEndian.Uint64(buf[0:8])
		if first&lowStubMask != lowStubMatch {
			continue
		}

		candidateDtb := memtype.Address(binary.LittleEndian.Uint64(buf[lowStubDtbOff : lowStubDtbOff+8]))
		if uint64(candidateDtb)&0xfff != 0 {
			continue
		}

		candidateHint := memtype.Address(binary.LittleEndian.Uint64(buf[lowStubHintOff : lowStubHintOff+8]))
		if uint64(candidateHint)&canonicalHighMask != canonicalHighMask {
			continue
		}

		return candidateDtb, candidateHint, true
	}

	return 0, 0, false
}

// scanCandidatePML4 looks for a page that is plausibly a PML4 root: at
// least one present entry whose physical address fits within the backend,
// and no entry pointing past the end of physical memory.
func (f *Finder) scanCandidatePML4() (memtype.Address, bool) {
	const pageSize = 4096

	maxAddr := uint64(f.backend.Metadata().MaxAddress)

	for base := uint64(0); base+pageSize <= f.scanLimit; base += pageSize {
		buf := make([]byte, pageSize)

		var readErr error

		if err := f.backend.ReadList([]physmem.Op{{Addr: memtype.Bare(memtype.Address(base)), Buffer: buf}}, func(fop physmem.FailedOp) {
			readErr = fop.Err
		}); err != nil || readErr != nil {
			continue
		}

		present := 0

		valid := true

		for i := 0; i < 512; i++ {
			entry := binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
			if entry&1 == 0 {
				continue
			}

			present++

			phys := entry & 0x000f_ffff_ffff_f000
			if phys > maxAddr {
				valid = false

				break
			}
		}

		if valid && present > 0 && present < 64 {
			return memtype.Address(base), true
		}
	}

	return 0, false
}
