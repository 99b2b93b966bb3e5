package kernelfinder

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memlog"
	"github.com/orizon-lang/memflow/internal/memtype"
	"github.com/orizon-lang/memflow/internal/mmu"
	"github.com/orizon-lang/memflow/internal/pdb"
	"github.com/orizon-lang/memflow/internal/virtmem"
)

const (
	kuserSharedData  = memtype.Address(0x7ffe0000)
	kuserMajorOffset = 0x26c
	kuserMinorOffset = 0x270
)

// Resolve runs the full discovery pipeline: start block, kernel base, and
// every field of KernelInfo derived from the resulting PE image.
func (f *Finder) Resolve(ctx context.Context) (KernelInfo, error) {
	dtb, hint, err := f.FindStartBlock()
	if err != nil {
		return KernelInfo{}, err
	}

	var base memtype.Address

	if hint.IsValid() {
		base, err = f.FindKernelBase(ctx, dtb, hint)
	}

	if !hint.IsValid() || err != nil {
		base, err = f.FindKernelBaseNoHint(dtb)
	}

	if err != nil {
		return KernelInfo{}, err
	}

	view := virtmem.New(f.backend, f.arch, dtb, nil)

	header := make([]byte, f.headerWindow)
	if err := readExact(view, base, header); err != nil {
		return KernelInfo{}, err
	}

	img, err := f.parsePE(header)
	if err != nil {
		return KernelInfo{}, memerr.Wrap(memerr.KernelFinderBadPeHeader, err, "parsing kernel image header at %v", base)
	}

	guid, err := guidOf(img)
	if err != nil {
		return KernelInfo{}, err
	}

	ver, err := f.resolveVersion(view, base, img)
	if err != nil {
		return KernelInfo{}, err
	}

	eprocBase, err := f.resolveEprocessBase(view, base, img)
	if err != nil {
		return KernelInfo{}, err
	}

	pdbName, err := pdbNameOf(img)
	if err != nil {
		return KernelInfo{}, err
	}

	return KernelInfo{
		StartBlock:   dtb,
		KernelHint:   hint,
		KernelBase:   base,
		KernelSize:   img.SizeOfImage(),
		KernelGUID:   guid,
		KernelPDB:    pdbName,
		KernelWinVer: ver,
		EprocessBase: eprocBase,
	}, nil
}

// guidOf formats a PE image's CodeView record the way the original build
// identity string is assembled: uppercase hex signature directly followed
// by uppercase hex age, no separator.
func guidOf(img pdb.PEImage) (string, error) {
	cv, ok := img.CodeView()
	if !ok {
		return "", memerr.New(memerr.KernelFinderNoCodeView, "kernel image has no debug-directory CodeView record")
	}

	return fmt.Sprintf("%X%X", cv.Signature, cv.Age), nil
}

func pdbNameOf(img pdb.PEImage) (string, error) {
	cv, ok := img.CodeView()
	if !ok {
		return "", memerr.New(memerr.KernelFinderNoCodeView, "kernel image has no debug-directory CodeView record")
	}

	return cv.PDBFileName, nil
}

func readExact(view *virtmem.View, addr memtype.Address, buf []byte) error {
	var failed error

	if err := view.ReadList([]mmu.Op{{Addr: addr, Buffer: buf}}, func(f mmu.FailedOp) { failed = f.Err }); err != nil {
		return err
	}

	if failed != nil {
		return failed
	}

	return nil
}

func (f *Finder) resolveVersion(view *virtmem.View, base memtype.Address, img pdb.PEImage) (Version, error) {
	rva, ok := img.Export("NtBuildNumber")
	if !ok {
		return Version{}, memerr.New(memerr.InitializationNoVersion, "kernel image has no NtBuildNumber export")
	}

	buildBuf := make([]byte, 4)
	if err := readExact(view, base.Add(uint64(rva)), buildBuf); err != nil {
		return Version{}, memerr.Wrap(memerr.InitializationNoVersion, err, "reading NtBuildNumber")
	}

	build := binary.LittleEndian.Uint32(buildBuf)
	if build == 0 {
		memlog.Warnf("NtBuildNumber read as zero; continuing with unknown kernel version")

		return Version{}, nil
	}

	major, minor, err := f.readKuserVersion(view)
	if err != nil {
		memlog.Warnf("KUSER_SHARED_DATA version read failed (%v); falling back to RtlGetVersion prologue scan", err)

		major, minor, err = f.scanRtlGetVersion(view, base, img)
		if err != nil {
			memlog.Warnf("RtlGetVersion prologue scan failed (%v); major/minor unavailable", err)
		}
	}

	return Version{Major: major, Minor: minor, Build: build}, nil
}

func (f *Finder) readKuserVersion(view *virtmem.View) (major, minor uint32, err error) {
	buf := make([]byte, 8)
	if err := readExact(view, kuserSharedData.Add(kuserMajorOffset), buf[0:4]); err != nil {
		return 0, 0, err
	}

	if err := readExact(view, kuserSharedData.Add(kuserMinorOffset), buf[4:8]); err != nil {
		return 0, 0, err
	}

	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8]), nil
}

// scanRtlGetVersion looks for the common `mov dword ptr [reg+off], imm32`
// encoding (opcode 0xC7 /0) in RtlGetVersion's prologue, which on most
// builds assigns dwMajorVersion then dwMinorVersion into the caller's
// OSVERSIONINFO before falling through to the real version logic.
func (f *Finder) scanRtlGetVersion(view *virtmem.View, base memtype.Address, img pdb.PEImage) (major, minor uint32, err error) {
	rva, ok := img.Export("RtlGetVersion")
	if !ok {
		return 0, 0, memerr.New(memerr.InitializationNoVersion, "kernel image has no RtlGetVersion export")
	}

	const prologueLen = 64

	buf := make([]byte, prologueLen)
	if err := readExact(view, base.Add(uint64(rva)), buf); err != nil {
		return 0, 0, err
	}

	var found []uint32

	for i := 0; i+7 <= len(buf) && len(found) < 2; i++ {
		if buf[i] != 0xc7 {
			continue
		}

		modrm := buf[i+1]
		if modrm&0x38 != 0 { // reg field must be 0 (the /0 extension)
			continue
		}

		found = append(found, binary.LittleEndian.Uint32(buf[i+3:i+7]))
		i += 6
	}

	if len(found) < 2 {
		return 0, 0, memerr.New(memerr.InitializationNoVersion, "RtlGetVersion prologue did not contain two literal mov assignments")
	}

	return found[0], found[1], nil
}

func (f *Finder) resolveEprocessBase(view *virtmem.View, base memtype.Address, img pdb.PEImage) (memtype.Address, error) {
	rva, ok := img.Export("PsInitialSystemProcess")
	if !ok {
		return 0, memerr.New(memerr.InitializationNoKernel, "kernel image has no PsInitialSystemProcess export")
	}

	ptrSize := f.arch.PteSize // pointer width matches native word size for this arch

	buf := make([]byte, ptrSize)
	if err := readExact(view, base.Add(uint64(rva)), buf); err != nil {
		return 0, memerr.Wrap(memerr.InitializationNoKernel, err, "reading PsInitialSystemProcess")
	}

	var eprocess uint64
	if ptrSize == 4 {
		eprocess = uint64(binary.LittleEndian.Uint32(buf))
	} else {
		eprocess = binary.LittleEndian.Uint64(buf)
	}

	return memtype.Address(eprocess), nil
}
