// Package crashdump parses Microsoft full-kernel crash dumps (32/64-bit)
// into a memmap.Map usable by a physmem.Backend.
//
// The header layout, signature values, and run-list walk follow the
// well-known WinDbg/DumpChk header shapes field-for-field. A legacy
// null-range prepend some implementations carry for historical reasons
// is deliberately NOT reproduced here.
package crashdump

import (
	"encoding/binary"
	"io"

	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memmap"
	"github.com/orizon-lang/memflow/internal/memtype"
)

const (
	signaturePage = 0x45474150 // "PAGE"
	validDump64   = 0x34365544 // "DU64"
	validDump32   = 0x504d5544 // "DUMP"

	machineAMD64 = 0x8664
	machineI386  = 0x014c

	dumpTypeFull = 1

	header64Size = 0x2000
	header32Size = 0x1000

	physMemBlockOffset64 = 0x88
	physMemBlockOffset32 = 0x64 // 32-bit header omits the 64-bit-only pad fields before this block

	maxRuns = 0x20
)

// Arch identifies which header shape was detected.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchAMD64
	ArchI386
)

// Result is the outcome of parsing a crash-dump header: the constructed
// MemoryMap plus the detected architecture and header size (real_base for
// the first run).
type Result struct {
	Map        *memmap.Map
	Arch       Arch
	HeaderSize uint64
}

// Parse attempts, in order, a 64-bit then a 32-bit full-memory-dump header
// r must support ReadAt for a clean, concurrent-
// safe header read.
func Parse(r io.ReaderAt) (*Result, error) {
	if res, err := parse64(r); err == nil {
		return res, nil
	} else if res, err2 := parse32(r); err2 == nil {
		return res, nil
	} else {
		return nil, err
	}
}

func parse64(r io.ReaderAt) (*Result, error) {
	buf := make([]byte, header64Size)
	if _, err := readFullAt(r, buf, 0); err != nil {
		return nil, memerr.Wrap(memerr.CrashDumpCannotRead, err, "reading 64-bit header")
	}

	signature := binary.LittleEndian.Uint32(buf[0:4])
	if signature != signaturePage {
		return nil, memerr.New(memerr.CrashDumpBadSignature, "bad signature 0x%x", signature)
	}

	validDump := binary.LittleEndian.Uint32(buf[4:8])
	if validDump != validDump64 {
		return nil, memerr.New(memerr.CrashDumpBadDumpType, "bad valid_dump 0x%x for 64-bit header", validDump)
	}

	machine := binary.LittleEndian.Uint32(buf[0x30:0x34])
	if machine != machineAMD64 {
		return nil, memerr.New(memerr.CrashDumpBadArch, "machine_image_type 0x%x is not AMD64", machine)
	}

	dumpType := binary.LittleEndian.Uint32(buf[0xF98:0xF9C])
	if dumpType != dumpTypeFull {
		return nil, memerr.New(memerr.CrashDumpBadDumpType, "dump_type %d is not FULL", dumpType)
	}

	m, err := buildMap64(buf[physMemBlockOffset64:], header64Size)
	if err != nil {
		return nil, err
	}

	return &Result{Map: m, Arch: ArchAMD64, HeaderSize: header64Size}, nil
}

func parse32(r io.ReaderAt) (*Result, error) {
	buf := make([]byte, header32Size)
	if _, err := readFullAt(r, buf, 0); err != nil {
		return nil, memerr.Wrap(memerr.CrashDumpCannotRead, err, "reading 32-bit header")
	}

	signature := binary.LittleEndian.Uint32(buf[0:4])
	if signature != signaturePage {
		return nil, memerr.New(memerr.CrashDumpBadSignature, "bad signature 0x%x", signature)
	}

	validDump := binary.LittleEndian.Uint32(buf[4:8])
	if validDump != validDump32 {
		return nil, memerr.New(memerr.CrashDumpBadDumpType, "bad valid_dump 0x%x for 32-bit header", validDump)
	}

	machine := binary.LittleEndian.Uint32(buf[0x20:0x24])
	if machine != machineI386 {
		return nil, memerr.New(memerr.CrashDumpBadArch, "machine_image_type 0x%x is not I386", machine)
	}

	dumpType := binary.LittleEndian.Uint32(buf[0xF88:0xF8C])
	if dumpType != dumpTypeFull {
		return nil, memerr.New(memerr.CrashDumpBadDumpType, "dump_type %d is not FULL", dumpType)
	}

	m, err := buildMap32(buf[physMemBlockOffset32:], header32Size)
	if err != nil {
		return nil, err
	}

	return &Result{Map: m, Arch: ArchI386, HeaderSize: header32Size}, nil
}

// buildMap64 decodes a 64-bit PhysicalMemoryDescriptor: number_of_runs(4) +
// reserved0(4) + number_of_pages(4) + reserved1(4), then an array of
// (base_page u64, page_count u64) runs.
func buildMap64(block []byte, headerSize uint64) (*memmap.Map, error) {
	return buildMap(block, 16, func(b []byte, off int) (base, count uint64) {
		return binary.LittleEndian.Uint64(b[off : off+8]), binary.LittleEndian.Uint64(b[off+8 : off+16])
	}, 16, headerSize)
}

// buildMap32 decodes a 32-bit PhysicalMemoryDescriptor: number_of_runs(4) +
// number_of_pages(4) (no reserved padding), then an array of
// (base_page u32, page_count u32) runs.
func buildMap32(block []byte, headerSize uint64) (*memmap.Map, error) {
	return buildMap(block, 8, func(b []byte, off int) (base, count uint64) {
		return uint64(binary.LittleEndian.Uint32(b[off : off+4])), uint64(binary.LittleEndian.Uint32(b[off+4 : off+8]))
	}, 8, headerSize)
}

func buildMap(block []byte, runsOffset int, readRun func([]byte, int) (uint64, uint64), runSize int, headerSize uint64) (*memmap.Map, error) {
	numRuns := binary.LittleEndian.Uint32(block[0:4])
	if numRuns > maxRuns {
		return nil, memerr.New(memerr.CrashDumpTooManyRuns, "%d runs exceeds max %d", numRuns, maxRuns)
	}

	m := memmap.New()
	realBase := memtype.Address(headerSize)

	for i := uint32(0); i < numRuns; i++ {
		runOff := runsOffset + int(i)*runSize

		basePage, pageCount := readRun(block, runOff)
		base := basePage << 12
		size := pageCount << 12

		if err := m.Push(memtype.Address(base), size, realBase); err != nil {
			return nil, err
		}

		realBase = realBase.Add(size)
	}

	return m, nil
}

func readFullAt(r io.ReaderAt, buf []byte, off int64) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := r.ReadAt(buf[n:], off+int64(n))
		n += k

		if err != nil {
			if err == io.EOF && n == len(buf) {
				return n, nil
			}

			return n, err
		}
	}

	return n, nil
}
