package pdb

import "github.com/orizon-lang/memflow/internal/memlog"

// Resolver acquires an OffsetTable for a kernel build, trying the embedded
// table first and falling back to a symbol-store download plus parse.
type Resolver struct {
	store    *SymbolStore
	parseSrc SourceParser
}

// NewResolver returns a Resolver downloading through store and parsing
// fetched PDBs with parseSrc.
func NewResolver(store *SymbolStore, parseSrc SourceParser) *Resolver {
	return &Resolver{store: store, parseSrc: parseSrc}
}

// Resolve returns the OffsetTable for a kernel build, identified by its
// CodeView GUID, target architecture, and NT version. It tries the embedded
// table first; on a miss it downloads and parses the matching PDB.
func (r *Resolver) Resolve(pdbFileName, guid, arch string, major, minor, build uint32) (OffsetTable, error) {
	if t, ok := MatchEmbedded(guid, arch, major, minor, build); ok {
		return t, nil
	}

	memlog.Debugf("no embedded offset table for %s/%s; downloading from symbol store", pdbFileName, guid)

	data, err := r.store.Fetch(pdbFileName, guid)
	if err != nil {
		return OffsetTable{}, err
	}

	src, err := r.parseSrc(data)
	if err != nil {
		return OffsetTable{}, err
	}

	return FromSource(src)
}
