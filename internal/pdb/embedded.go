package pdb

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/memflow/internal/memlog"
)

// OffsetFile is one compiled-in record: a known kernel build's offset table,
// keyed by the same facts KernelFinder extracts from a live image.
type OffsetFile struct {
	PdbFileName string
	PdbGUID     string
	Arch        string // "x86_64" or "x86", matching archspec.ID
	NtMajor     uint32
	NtMinor     uint32
	NtBuild     uint32
	Table       OffsetTable
}

// version builds the semver.Version this record sorts by. NT build numbers
// have no patch component, so Major.Minor.Build is modeled directly as a
// semver Major.Minor.Patch triple; this lets "largest build <= target" reuse
// semver.Version comparison instead of a hand-rolled three-field compare.
func (f OffsetFile) version() *semver.Version {
	v, err := semver.NewVersion(fmt.Sprintf("%d.%d.%d", f.NtMajor, f.NtMinor, f.NtBuild))
	if err != nil {
		// Every embedded record is a compile-time constant built from known-good
		// integers; NewVersion can only fail here on a numeric overflow that
		// would itself be a bug in the table, not a runtime condition.
		panic(fmt.Sprintf("pdb: embedded OffsetFile has unparseable version: %v", err))
	}

	return v
}

// embeddedTable holds the records MatchEmbedded searches. No records are
// compiled in: the table starts empty and is filled only through
// RegisterEmbedded, since generating a real table requires a PDB-parsing
// toolchain this module does not carry.
var embeddedTable []OffsetFile

// RegisterEmbedded adds OffsetFile records to the compiled-in table. Exists
// so a build can link in a generated table without this package needing to
// import the generator.
func RegisterEmbedded(files ...OffsetFile) {
	embeddedTable = append(embeddedTable, files...)
}

// MatchEmbedded finds the best OffsetTable for a kernel build from the
// compiled-in table: an exact GUID match wins outright; otherwise the
// largest NT build not exceeding targetBuild, among same-arch/major/minor
// records, is used and a warning is logged for the inexact match.
func MatchEmbedded(guid, arch string, major, minor, targetBuild uint32) (OffsetTable, bool) {
	for _, f := range embeddedTable {
		if f.PdbGUID == guid {
			return f.Table, true
		}
	}

	target, err := semver.NewVersion(fmt.Sprintf("%d.%d.%d", major, minor, targetBuild))
	if err != nil {
		return OffsetTable{}, false
	}

	var best *OffsetFile

	for i := range embeddedTable {
		f := &embeddedTable[i]

		if f.Arch != arch || f.NtMajor != major || f.NtMinor != minor {
			continue
		}

		v := f.version()
		if v.GreaterThan(target) {
			continue
		}

		if best == nil || v.GreaterThan(best.version()) {
			best = f
		}
	}

	if best == nil {
		return OffsetTable{}, false
	}

	memlog.Warnf("no exact PDB GUID match for build %d.%d.%d; using embedded table for %d.%d.%d (inexact)",
		major, minor, targetBuild, best.NtMajor, best.NtMinor, best.NtBuild)

	return best.Table, true
}
