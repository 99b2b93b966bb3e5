// Package pdb acquires the per-build struct-offset table a WindowsWalker
// needs (EPROCESS, KPROCESS, PEB_LDR_DATA, LDR_DATA_TABLE_ENTRY field
// offsets), either from a compiled-in table or by downloading the matching
// PDB from a symbol store. Actual PE and PDB byte-format decoding is left to
// a caller-supplied parser: this package never decodes either format itself,
// only consumes the small lookup surface it needs from each.
package pdb

// CodeView is the debug-directory record identifying exactly which PDB
// matches a given PE image.
type CodeView struct {
	Signature   uint32
	Age         uint32
	PDBFileName string
}

// PEImage is the minimal PE-parsing surface KernelFinder and this package
// need. Satisfied by a caller-supplied parser; this module ships no real PE
// decoder, only a fake used by its own tests.
type PEImage interface {
	SizeOfImage() uint32
	Export(name string) (rva uint32, ok bool)
	CodeView() (CodeView, bool)
	// Name returns the module name recorded in the export directory, used to
	// confirm a kernel-base candidate is actually ntoskrnl.exe.
	Name() (string, bool)
	// Checksum returns the optional header's CheckSum field. A legitimate
	// loaded PE almost always carries a non-zero value here; used as an
	// extra candidate filter when there is no VA hint to narrow the scan.
	Checksum() uint32
}

// PEParser turns raw PE bytes into a PEImage.
type PEParser func(data []byte) (PEImage, error)

// Source is the minimal PDB-parsing surface this package needs: resolve a
// public symbol to its image-relative address, or a struct field to its
// type name and byte offset.
type Source interface {
	Symbol(name string) (rva uint32, ok bool)
	Field(structName, fieldName string) (typeName string, offset uint32, ok bool)
}

// SourceParser turns raw PDB bytes into a Source.
type SourceParser func(data []byte) (Source, error)
