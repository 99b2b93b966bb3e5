package memflow

import (
	"context"

	"github.com/orizon-lang/memflow/internal/archspec"
	"github.com/orizon-lang/memflow/internal/kernelfinder"
	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memtype"
	"github.com/orizon-lang/memflow/internal/pdb"
	"github.com/orizon-lang/memflow/internal/symbolcache"
	"github.com/orizon-lang/memflow/internal/winproc"
)

// SystemOptions configures kernel discovery and struct-offset acquisition.
// ParsePE is required: this module carries no PE decoder of its own. If
// ParsePDBSource is nil, OpenSystem skips the symbol-store fallback
// entirely and OffsetTable acquisition only ever consults the embedded
// table, failing if that table has no match.
type SystemOptions struct {
	ParsePE        pdb.PEParser
	ParsePDBSource pdb.SourceParser

	// SymbolServerURL overrides the default Microsoft public symbol server.
	SymbolServerURL string
	// CacheDir overrides the default "$HOME/.memflow/cache" PDB cache root.
	CacheDir string

	// KernelFinderOpts are passed through to kernelfinder.New unmodified
	// (scan limits, header window size, high-half range override).
	KernelFinderOpts []kernelfinder.Option
}

// System ties kernel discovery, OffsetTable acquisition, and the Windows
// process/module walker together over one Connector.
type System struct {
	conn   *Connector
	arch   *archspec.Spec
	info   kernelfinder.KernelInfo
	table  pdb.OffsetTable
	walker *winproc.Walker
	cache  *symbolcache.Store
}

// OpenSystem runs the full discovery pipeline against conn's backend:
// locate the kernel image, resolve its struct-offset table, and construct
// a WindowsWalker ready to enumerate processes.
func OpenSystem(ctx context.Context, conn *Connector, opts SystemOptions) (*System, error) {
	if opts.ParsePE == nil {
		return nil, memerr.New(memerr.InitializationNoKernel, "SystemOptions.ParsePE is required")
	}

	arch := conn.Arch()

	finder := kernelfinder.New(conn.Backend(), arch, opts.ParsePE, opts.KernelFinderOpts...)

	info, err := finder.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	table, cache, err := resolveOffsetTable(info, arch, opts)
	if err != nil {
		return nil, err
	}

	walker := winproc.New(conn.Backend(), arch, table, info.StartBlock, info.EprocessBase)

	return &System{conn: conn, arch: arch, info: info, table: table, walker: walker, cache: cache}, nil
}

func resolveOffsetTable(info kernelfinder.KernelInfo, arch *archspec.Spec, opts SystemOptions) (pdb.OffsetTable, *symbolcache.Store, error) {
	if t, ok := pdb.MatchEmbedded(info.KernelGUID, string(arch.ID), info.KernelWinVer.Major, info.KernelWinVer.Minor, info.KernelWinVer.Build); ok {
		return t, nil, nil
	}

	if opts.ParsePDBSource == nil {
		return pdb.OffsetTable{}, nil, memerr.New(memerr.PdbFieldNotFound, "no embedded offset table for %s/%s and no SourceParser configured", info.KernelPDB, info.KernelGUID)
	}

	cache, err := symbolcache.New(opts.CacheDir)
	if err != nil {
		return pdb.OffsetTable{}, nil, err
	}

	store := pdb.NewSymbolStore(opts.SymbolServerURL, cache)
	resolver := pdb.NewResolver(store, opts.ParsePDBSource)

	table, err := resolver.Resolve(info.KernelPDB, info.KernelGUID, string(arch.ID), info.KernelWinVer.Major, info.KernelWinVer.Minor, info.KernelWinVer.Build)
	if err != nil {
		cache.Close()

		return pdb.OffsetTable{}, nil, err
	}

	return table, cache, nil
}

// KernelInfo returns the facts kernel discovery extracted.
func (s *System) KernelInfo() kernelfinder.KernelInfo { return s.info }

// OffsetTable returns the struct-offset table the WindowsWalker is using.
func (s *System) OffsetTable() pdb.OffsetTable { return s.table }

// Processes enumerates the running EPROCESS list.
func (s *System) Processes() ([]winproc.ProcessInfo, error) { return s.walker.Processes() }

// Modules enumerates proc's loaded modules.
func (s *System) Modules(proc winproc.ProcessInfo) ([]winproc.ModuleInfo, error) {
	return s.walker.Modules(proc)
}

// VirtualView returns a VirtualView over dtb using this System's connector
// and cache configuration.
func (s *System) VirtualView(dtb memtype.Address) *VirtualView {
	return NewVirtualView(s.conn, dtb)
}

// KernelView returns a VirtualView rooted at the kernel's own directory
// table base, uncached (kernel discovery already ran once; this is for
// ad-hoc follow-up reads of kernel structures, not a hot loop).
func (s *System) KernelView() *VirtualView {
	return newVirtualViewFor(s.conn.Backend(), s.arch, s.info.StartBlock)
}

// Close releases the on-disk PDB cache watcher, if one was opened during
// OffsetTable acquisition, and the underlying connector.
func (s *System) Close() error {
	var firstErr error

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			firstErr = err
		}
	}

	if err := s.conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
