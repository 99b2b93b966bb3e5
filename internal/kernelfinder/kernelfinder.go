// Package kernelfinder locates a Windows kernel image inside a physical
// memory source and extracts the handful of facts a WindowsWalker needs to
// start enumerating processes: the directory-table base, the kernel's
// image base/size/build GUID/version, and the head of the EPROCESS list.
package kernelfinder

import (
	"github.com/orizon-lang/memflow/internal/archspec"
	"github.com/orizon-lang/memflow/internal/memtype"
	"github.com/orizon-lang/memflow/internal/pdb"
	"github.com/orizon-lang/memflow/internal/physmem"
)

// Version is the kernel build identity used to select an OffsetTable.
type Version struct {
	Major uint32
	Minor uint32
	Build uint32
}

// Unknown reports whether NtBuildNumber resolved to zero, meaning the
// version fields are unavailable and callers must fall back to default
// struct offsets rather than a build-specific table.
func (v Version) Unknown() bool { return v.Major == 0 && v.Minor == 0 && v.Build == 0 }

// KernelInfo is everything kernel discovery hands to the rest of the
// pipeline.
type KernelInfo struct {
	StartBlock   memtype.Address // directory-table base (CR3-equivalent)
	KernelHint   memtype.Address // VA hint from the low stub, Invalid if none
	KernelBase   memtype.Address // kernel image's virtual base
	KernelSize   uint32
	KernelGUID   string
	KernelPDB    string // CodeView record's PDB file name, e.g. "ntkrnlmp.pdb"
	KernelWinVer Version
	EprocessBase memtype.Address
}

// Finder locates a kernel image within backend, an architecture's paging
// shape, and a caller-supplied PE parser (this package never decodes PE
// bytes itself).
type Finder struct {
	backend physmem.Backend
	arch    *archspec.Spec
	parsePE pdb.PEParser

	scanLimit      uint64 // low-stub scan ceiling, bytes from address 0
	headerWindow   uint64 // bytes read around a candidate base to hand to parsePE
	highHalfStart  memtype.Address
	highHalfEnd    memtype.Address
}

// Option configures a Finder beyond its required constructor arguments.
type Option func(*Finder)

// WithScanLimit caps how far FindStartBlock scans low physical memory
// looking for the low-stub signature. Defaults to 4 MiB.
func WithScanLimit(limit uint64) Option {
	return func(f *Finder) { f.scanLimit = limit }
}

// WithHeaderWindow sets how many bytes are read around a kernel-base
// candidate before handing them to the PE parser. Defaults to 64 KiB, large
// enough to cover headers, export directory, and debug directory for a real
// ntoskrnl.exe.
func WithHeaderWindow(n uint64) Option {
	return func(f *Finder) { f.headerWindow = n }
}

// WithHighHalfRange overrides the virtual-address window FindKernelBaseNoHint
// scans when no low-stub hint is available. Tests narrow this drastically;
// production callers get a default spanning the canonical x86-64 kernel
// region.
func WithHighHalfRange(start, end memtype.Address) Option {
	return func(f *Finder) { f.highHalfStart, f.highHalfEnd = start, end }
}

// New returns a Finder over backend, using arch's paging shape and parsePE
// to interpret candidate PE headers.
func New(backend physmem.Backend, arch *archspec.Spec, parsePE pdb.PEParser, opts ...Option) *Finder {
	f := &Finder{
		backend:       backend,
		arch:          arch,
		parsePE:       parsePE,
		scanLimit:     4 * 1024 * 1024,
		headerWindow:  64 * 1024,
		highHalfStart: memtype.Address(0xffff_f800_0000_0000),
		highHalfEnd:   memtype.Address(0xffff_f900_0000_0000),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}
