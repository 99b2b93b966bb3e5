package memtype

import "testing"

func TestAddressPageAlign(t *testing.T) {
	cases := []struct {
		addr     Address
		pageSize uint64
		want     Address
	}{
		{0x1234, 4096, 0x1000},
		{0xFFF12345, 65536, 0xFFF10000},
	}

	for _, c := range cases {
		if got := c.addr.PageAlign(c.pageSize); got != c.want {
			t.Fatalf("PageAlign(%v, %d) = %v, want %v", c.addr, c.pageSize, got, c.want)
		}
	}
}

func TestMakeBitMask(t *testing.T) {
	if got := MakeBitMask(12, 51); got != 0x000F_FFFF_FFFF_F000 {
		t.Fatalf("MakeBitMask(12, 51) = 0x%x, want 0x000FFFFFFFFFF000", got)
	}
}

func TestAddressInvalidSentinel(t *testing.T) {
	if Invalid.IsValid() {
		t.Fatal("Invalid address reported as valid")
	}

	if !Address(1).IsValid() {
		t.Fatal("ordinary address reported as invalid")
	}
}

func TestPhysicalAddressPageAligned(t *testing.T) {
	pa := WithMeta(0x401234, PageReadOnly, 0x200000)
	if got := pa.PageAligned(4096); got != 0x400000 {
		t.Fatalf("PageAligned = %v, want 0x400000", got)
	}

	bare := Bare(0x401234)
	if got := bare.PageAligned(4096); got != 0x401000 {
		t.Fatalf("bare PageAligned = %v, want 0x401000", got)
	}
}

func TestPageTypeHas(t *testing.T) {
	p := PageReadOnly | PageTable
	if !p.Has(PageReadOnly) {
		t.Fatal("expected PageReadOnly bit set")
	}

	if p.Has(PageWriteable) {
		t.Fatal("did not expect PageWriteable bit set")
	}
}
