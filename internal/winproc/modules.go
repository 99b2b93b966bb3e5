package winproc

import (
	"golang.org/x/text/encoding/unicode"

	"github.com/orizon-lang/memflow/internal/archspec"
	"github.com/orizon-lang/memflow/internal/memerr"
	"github.com/orizon-lang/memflow/internal/memtype"
	"github.com/orizon-lang/memflow/internal/virtmem"
)

// Modules walks proc's InLoadOrderModuleList, returning one ModuleInfo per
// node. The list head and every node's DllBase/SizeOfImage/BaseDllName are
// read through a View over proc's own directory-table base, sized to its
// process architecture (x86 modules use the 32-bit offset set even when the
// system itself is x64).
func (w *Walker) Modules(proc ProcessInfo) ([]ModuleInfo, error) {
	procArch := archspec.Lookup(proc.ProcArch)
	view := virtmem.New(w.backend, procArch, proc.Dtb, nil)

	pebLdrOffset, ldrListOffset, baseOffset, sizeOffset, nameOffset := w.moduleOffsets(proc.ProcArch)

	ldr, err := readWordAddrArch(view, procArch, proc.Peb.Add(uint64(pebLdrOffset)))
	if err != nil {
		return nil, memerr.Wrap(memerr.ModuleInfo, err, "reading Peb.Ldr at %v", proc.Peb)
	}

	listHead := ldr.Add(uint64(ldrListOffset))

	cur, err := readWordAddrArch(view, procArch, listHead)
	if err != nil {
		return nil, memerr.Wrap(memerr.ModuleInfo, err, "reading InLoadOrderModuleList head at %v", listHead)
	}

	var modules []ModuleInfo

	for !cur.IsNull() && cur != listHead {
		base, err := readWordAddrArch(view, procArch, cur.Add(uint64(baseOffset)))
		if err != nil {
			return nil, memerr.Wrap(memerr.ModuleInfo, err, "reading DllBase at %v", cur)
		}

		sizeAddr, err := readWordAddrArch(view, procArch, cur.Add(uint64(sizeOffset)))
		if err != nil {
			return nil, memerr.Wrap(memerr.ModuleInfo, err, "reading SizeOfImage at %v", cur)
		}

		name, err := readUnicodeString(view, procArch, cur.Add(uint64(nameOffset)))
		if err != nil {
			return nil, memerr.Wrap(memerr.ModuleInfo, err, "reading BaseDllName at %v", cur)
		}

		modules = append(modules, ModuleInfo{
			ListEntry: cur,
			Base:      base,
			Size:      uint64(sizeAddr),
			Name:      name,
		})

		next, err := readWordAddrArch(view, procArch, cur)
		if err != nil {
			return nil, memerr.Wrap(memerr.ModuleInfo, err, "reading module list Flink at %v", cur)
		}

		cur = next
	}

	return modules, nil
}

func (w *Walker) moduleOffsets(arch archspec.ID) (pebLdr, ldrList, base, size, name uint32) {
	if arch == archspec.X86 {
		return w.table.PebLdrX86, w.table.LdrListX86, w.table.LdrDataBaseX86, w.table.LdrDataSizeX86, w.table.LdrDataNameX86
	}

	return w.table.PebLdrX64, w.table.LdrListX64, w.table.LdrDataBaseX64, w.table.LdrDataSizeX64, w.table.LdrDataNameX64
}

var utf16leDecoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

// readUnicodeString decodes a Windows UNICODE_STRING at addr:
// {length u16, maximum_length u16, [padding u32 on 64-bit], buffer pointer}.
func readUnicodeString(view *virtmem.View, arch *archspec.Spec, addr memtype.Address) (string, error) {
	lenBuf := make([]byte, 2)
	if err := readExactVirt(view, addr, lenBuf); err != nil {
		return "", err
	}

	length := uint16(lenBuf[0]) | uint16(lenBuf[1])<<8
	if length == 0 {
		return "", memerr.New(memerr.EncodingZeroLength, "UNICODE_STRING length is zero")
	}

	if length%2 != 0 {
		return "", memerr.New(memerr.EncodingOddUtf16, "UNICODE_STRING length %d is not a multiple of two", length)
	}

	bufferOffset := uint64(4)
	if arch.PteSize == 8 {
		bufferOffset = 8
	}

	buffer, err := readWordAddrArch(view, arch, addr.Add(bufferOffset))
	if err != nil {
		return "", err
	}

	if buffer.IsNull() {
		return "", memerr.New(memerr.EncodingNullBuffer, "UNICODE_STRING buffer pointer is null")
	}

	raw := make([]byte, length)
	if err := readExactVirt(view, buffer, raw); err != nil {
		return "", err
	}

	decoded, err := utf16leDecoder.Bytes(raw)
	if err != nil {
		return "", memerr.Wrap(memerr.EncodingNonUtf8, err, "decoding UNICODE_STRING buffer at %v", buffer)
	}

	return string(decoded), nil
}
