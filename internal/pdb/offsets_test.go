package pdb

import "testing"

type fakeSource struct {
	fields map[string]uint32 // "Struct.Field" -> offset
}

func (s *fakeSource) Symbol(name string) (uint32, bool) { return 0, false }

func (s *fakeSource) Field(structName, fieldName string) (string, uint32, bool) {
	off, ok := s.fields[structName+"."+fieldName]
	if !ok {
		return "", 0, false
	}

	return "ULONG", off, true
}

func TestFromSourcePopulatesRequiredFields(t *testing.T) {
	src := &fakeSource{fields: map[string]uint32{
		"_LIST_ENTRY.Blink":                     0x8,
		"_EPROCESS.ActiveProcessLinks":          0x2f0,
		"_KPROCESS.DirectoryTableBase":          0x28,
		"_EPROCESS.UniqueProcessId":             0x2e8,
		"_EPROCESS.ImageFileName":               0x5a8,
		"_EPROCESS.Peb":                         0x3f8,
		"_PEB.Ldr":                              0x18,
		"_PEB_LDR_DATA.InLoadOrderModuleList":   0x10,
		"_LDR_DATA_TABLE_ENTRY.DllBase":         0x30,
		"_LDR_DATA_TABLE_ENTRY.SizeOfImage":     0x40,
		"_LDR_DATA_TABLE_ENTRY.BaseDllName":     0x58,
	}}

	table, err := FromSource(src)
	if err != nil {
		t.Fatalf("FromSource error: %v", err)
	}

	if table.EprocPid != 0x2e8 || table.KprocDtb != 0x28 || table.EprocLink != 0x2f0 {
		t.Fatalf("table = %+v, missing expected required fields", table)
	}

	if table.EprocWow64 != 0 {
		t.Fatalf("EprocWow64 = %#x, want 0 (absent in this fake source)", table.EprocWow64)
	}
}

func TestFromSourceMissingRequiredFieldFails(t *testing.T) {
	src := &fakeSource{fields: map[string]uint32{}}

	if _, err := FromSource(src); err == nil {
		t.Fatal("expected an error when a required field is missing")
	}
}
