// Package winproc enumerates Windows processes and their loaded modules by
// walking the kernel's EPROCESS list and each process's PEB module list,
// using struct-field offsets supplied by internal/pdb rather than any
// compiled-in knowledge of a particular Windows build's layout.
package winproc

import (
	"github.com/orizon-lang/memflow/internal/archspec"
	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memtype"
	"github.com/orizon-lang/memflow/internal/mmu"
	"github.com/orizon-lang/memflow/internal/pdb"
	"github.com/orizon-lang/memflow/internal/physmem"
	"github.com/orizon-lang/memflow/internal/virtmem"
)

// ProcessInfo is one entry from the EPROCESS list.
type ProcessInfo struct {
	Address  memtype.Address // EPROCESS base
	Pid      int32
	Name     string
	Dtb      memtype.Address
	Wow64    memtype.Address // null when the process is native, not WoW64
	Peb      memtype.Address
	ProcArch archspec.ID
}

// ModuleInfo is one entry from a process's InLoadOrderModuleList.
type ModuleInfo struct {
	ListEntry memtype.Address
	Base      memtype.Address
	Size      uint64
	Name      string
}

// Walker enumerates processes and modules against a kernel's physical
// memory, using sysArch for reading kernel structures (always the host's
// native architecture) and table for every struct-field offset.
type Walker struct {
	backend      physmem.Backend
	sysArch      *archspec.Spec
	table        pdb.OffsetTable
	kernelDtb    memtype.Address
	eprocessBase memtype.Address

	kernelView *virtmem.View
}

// New returns a Walker over backend, rooted at the kernel's directory-table
// base and EPROCESS list head (both as extracted by kernelfinder.Resolve).
func New(backend physmem.Backend, sysArch *archspec.Spec, table pdb.OffsetTable, kernelDtb, eprocessBase memtype.Address) *Walker {
	return &Walker{
		backend:      backend,
		sysArch:      sysArch,
		table:        table,
		kernelDtb:    kernelDtb,
		eprocessBase: eprocessBase,
		kernelView:   virtmem.New(backend, sysArch, kernelDtb, nil),
	}
}

// Processes walks the circular ActiveProcessLinks list starting at the
// Walker's EPROCESS head, returning one ProcessInfo per node.
func (w *Walker) Processes() ([]ProcessInfo, error) {
	var procs []ProcessInfo

	cur := w.eprocessBase
	first := true

	for {
		if !first && (cur.IsNull() || cur == w.eprocessBase) {
			break
		}

		first = false

		info, err := w.readProcessInfo(cur)
		if err != nil {
			return nil, err
		}

		procs = append(procs, info)

		blink, err := w.readWordAddr(w.kernelView, cur.Add(uint64(w.table.EprocLink)+uint64(w.table.ListBlink)))
		if err != nil {
			return nil, memerr.Wrap(memerr.ProcessInfo, err, "reading ActiveProcessLinks.Blink at %v", cur)
		}

		if blink.IsNull() {
			break
		}

		next := memtype.Address(uint64(blink) - uint64(w.table.EprocLink))
		if next.IsNull() || next == w.eprocessBase {
			break
		}

		cur = next
	}

	return procs, nil
}

func (w *Walker) readProcessInfo(eproc memtype.Address) (ProcessInfo, error) {
	pidBuf := make([]byte, 4)
	if err := readExactVirt(w.kernelView, eproc.Add(uint64(w.table.EprocPid)), pidBuf); err != nil {
		return ProcessInfo{}, memerr.Wrap(memerr.ProcessInfo, err, "reading UniqueProcessId at %v", eproc)
	}

	nameBuf := make([]byte, 16)
	if err := readExactVirt(w.kernelView, eproc.Add(uint64(w.table.EprocName)), nameBuf); err != nil {
		return ProcessInfo{}, memerr.Wrap(memerr.ProcessInfo, err, "reading ImageFileName at %v", eproc)
	}

	dtb, err := w.readWordAddr(w.kernelView, eproc.Add(uint64(w.table.KprocDtb)))
	if err != nil {
		return ProcessInfo{}, memerr.Wrap(memerr.ProcessInfo, err, "reading DirectoryTableBase at %v", eproc)
	}

	peb, err := w.readWordAddr(w.kernelView, eproc.Add(uint64(w.table.EprocPeb)))
	if err != nil {
		return ProcessInfo{}, memerr.Wrap(memerr.ProcessInfo, err, "reading Peb at %v", eproc)
	}

	var wow64 memtype.Address

	if w.table.EprocWow64 != 0 {
		wow64, err = w.readWordAddr(w.kernelView, eproc.Add(uint64(w.table.EprocWow64)))
		if err != nil {
			return ProcessInfo{}, memerr.Wrap(memerr.ProcessInfo, err, "reading WoW64Process at %v", eproc)
		}
	}

	procArch := archspec.X64
	if !wow64.IsNull() {
		procArch = archspec.X86
	}

	return ProcessInfo{
		Address:  eproc,
		Pid:      int32(leUint32(pidBuf)),
		Name:     cString(nameBuf),
		Dtb:      dtb,
		Wow64:    wow64,
		Peb:      peb,
		ProcArch: procArch,
	}, nil
}

func readExactVirt(view *virtmem.View, addr memtype.Address, buf []byte) error {
	var failed error

	if err := view.ReadList([]mmu.Op{{Addr: addr, Buffer: buf}}, func(f mmu.FailedOp) { failed = f.Err }); err != nil {
		return err
	}

	return failed
}

// readWordAddr reads one pointer-sized value at addr, sized to the Walker's
// system architecture (4 bytes on x86, 8 on x64/AArch64).
func (w *Walker) readWordAddr(view *virtmem.View, addr memtype.Address) (memtype.Address, error) {
	return readWordAddrArch(view, w.sysArch, addr)
}

// readWordAddrArch reads one pointer-sized value at addr, sized to arch.
func readWordAddrArch(view *virtmem.View, arch *archspec.Spec, addr memtype.Address) (memtype.Address, error) {
	buf := make([]byte, arch.PteSize)
	if err := readExactVirt(view, addr, buf); err != nil {
		return 0, err
	}

	if arch.PteSize == 4 {
		return memtype.Address(leUint32(buf)), nil
	}

	return memtype.Address(leUint64(buf)), nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}

	return v
}

// cString trims an ImageFileName buffer at its first NUL, matching the
// 16-byte fixed-width field EPROCESS stores it in.
func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}

	return string(buf)
}
