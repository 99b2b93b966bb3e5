package pdb

// OffsetTable is the set of struct-field offsets a process walker needs to
// read EPROCESS/KPROCESS/PEB/loader structures without ever parsing a PDB
// itself at walk time. Every field is the byte offset of a struct field from
// the start of the structure that contains it, unless noted otherwise.
type OffsetTable struct {
	ListBlink    uint32 // _LIST_ENTRY.Blink
	EprocLink    uint32 // EPROCESS.ActiveProcessLinks
	KprocDtb     uint32 // KPROCESS.DirectoryTableBase
	EprocPid     uint32 // EPROCESS.UniqueProcessId
	EprocName    uint32 // EPROCESS.ImageFileName
	EprocPeb     uint32 // EPROCESS.Peb
	EprocWow64   uint32 // EPROCESS.WoW64Process, zero on pre-Win7 kernels without this field
	PebLdrX86    uint32 // PEB32.Ldr
	PebLdrX64    uint32 // PEB.Ldr
	LdrListX86   uint32 // PEB_LDR_DATA32.InLoadOrderModuleList
	LdrListX64   uint32 // PEB_LDR_DATA.InLoadOrderModuleList
	LdrDataBaseX86 uint32 // LDR_DATA_TABLE_ENTRY32.DllBase
	LdrDataBaseX64 uint32 // LDR_DATA_TABLE_ENTRY.DllBase
	LdrDataSizeX86 uint32 // LDR_DATA_TABLE_ENTRY32.SizeOfImage
	LdrDataSizeX64 uint32 // LDR_DATA_TABLE_ENTRY.SizeOfImage
	LdrDataNameX86 uint32 // LDR_DATA_TABLE_ENTRY32.BaseDllName
	LdrDataNameX64 uint32 // LDR_DATA_TABLE_ENTRY.BaseDllName
}

// FromSource populates an OffsetTable by resolving every field from a parsed
// PDB Source, the way the symbol-store acquisition path does. Fields that the
// PDB doesn't carry (e.g. EprocWow64 on a pre-Win7 build) are left zero.
func FromSource(src Source) (OffsetTable, error) {
	var t OffsetTable

	fields := []struct {
		structName, fieldName string
		dst                   *uint32
		required              bool
	}{
		{"_LIST_ENTRY", "Blink", &t.ListBlink, true},
		{"_EPROCESS", "ActiveProcessLinks", &t.EprocLink, true},
		{"_KPROCESS", "DirectoryTableBase", &t.KprocDtb, true},
		{"_EPROCESS", "UniqueProcessId", &t.EprocPid, true},
		{"_EPROCESS", "ImageFileName", &t.EprocName, true},
		{"_EPROCESS", "Peb", &t.EprocPeb, true},
		{"_EPROCESS", "WoW64Process", &t.EprocWow64, false},
		{"_PEB32", "Ldr", &t.PebLdrX86, false},
		{"_PEB", "Ldr", &t.PebLdrX64, true},
		{"_PEB_LDR_DATA32", "InLoadOrderModuleList", &t.LdrListX86, false},
		{"_PEB_LDR_DATA", "InLoadOrderModuleList", &t.LdrListX64, true},
		{"_LDR_DATA_TABLE_ENTRY32", "DllBase", &t.LdrDataBaseX86, false},
		{"_LDR_DATA_TABLE_ENTRY", "DllBase", &t.LdrDataBaseX64, true},
		{"_LDR_DATA_TABLE_ENTRY32", "SizeOfImage", &t.LdrDataSizeX86, false},
		{"_LDR_DATA_TABLE_ENTRY", "SizeOfImage", &t.LdrDataSizeX64, true},
		{"_LDR_DATA_TABLE_ENTRY32", "BaseDllName", &t.LdrDataNameX86, false},
		{"_LDR_DATA_TABLE_ENTRY", "BaseDllName", &t.LdrDataNameX64, true},
	}

	for _, f := range fields {
		_, off, ok := src.Field(f.structName, f.fieldName)
		if !ok {
			if f.required {
				return OffsetTable{}, newFieldNotFoundError(f.structName, f.fieldName)
			}

			continue
		}

		*f.dst = off
	}

	return t, nil
}
