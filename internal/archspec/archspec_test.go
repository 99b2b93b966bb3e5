package archspec

import (
	"testing"

	"github.com/orizon-lang/memflow/internal/memtype"
)

func TestX64SplitCount(t *testing.T) {
	s := Lookup(X64)
	if s.SplitCount() != 5 {
		t.Fatalf("split count = %d, want 5", s.SplitCount())
	}
}

func TestX64PageSizeLevels(t *testing.T) {
	s := Lookup(X64)

	cases := []struct {
		level int
		want  uint64
	}{
		{1, 4 * 1024},
		{2, 2 * 1024 * 1024},
		{3, 1024 * 1024 * 1024},
	}

	for _, c := range cases {
		if got := s.PageSizeLevel(c.level); got != c.want {
			t.Fatalf("PageSizeLevel(%d) = %#x, want %#x", c.level, got, c.want)
		}
	}
}

func TestX64PageSizeStep(t *testing.T) {
	s := Lookup(X64)

	cases := []struct {
		step int
		want uint64
	}{
		{2, 1024 * 1024 * 1024},
		{3, 2 * 1024 * 1024},
		{4, 4 * 1024},
	}

	for _, c := range cases {
		if got := s.PageSizeStep(c.step); got != c.want {
			t.Fatalf("PageSizeStep(%d) = %#x, want %#x", c.step, got, c.want)
		}
	}
}

func TestX64PteAddrMask(t *testing.T) {
	s := Lookup(X64)
	for k := 0; k < 4; k++ {
		if got := s.PteAddrMask(k); got != 0x000F_FFFF_FFFF_F000 {
			t.Fatalf("PteAddrMask(%d) = %#x, want 0x000FFFFFFFFFF000", k, got)
		}
	}
}

func TestX86PAEPteAddrMaskTopLevelIsNarrower(t *testing.T) {
	s := Lookup(X86PAE)

	// The top-level PDPT has only 4 entries of 8 bytes each (32 bytes total),
	// so its base is 32-byte aligned (mask starts at bit 5), unlike the
	// full-page-aligned (bit 12) tables below it.
	if got := s.PteAddrMask(0); got != 0x000F_FFFF_FFFF_FFE0 {
		t.Fatalf("PteAddrMask(0) = %#x, want 0x000FFFFFFFFFFFE0", got)
	}

	if got := s.PteAddrMask(1); got != 0x000F_FFFF_FFFF_F000 {
		t.Fatalf("PteAddrMask(1) = %#x, want 0x000FFFFFFFFFF000", got)
	}
}

func TestX64LargePageBitByStep(t *testing.T) {
	s := Lookup(X64)

	pte := uint64(0x80) // bit 7 set

	if !s.LargePageBit(pte) {
		t.Fatal("expected bit 7 to report as large-page")
	}

	// A PTE with bit 7 set at step 2 or deeper is a final mapping; at step
	// 0 or 1 it is not. That distinction is a property of IsValidFinalStep,
	// not of LargePageBit itself, since the flag bit's meaning depends on
	// the level.
	if s.IsValidFinalStep(0) || s.IsValidFinalStep(1) {
		t.Fatal("steps 0 and 1 must not be valid final steps on x86-64")
	}

	if !s.IsValidFinalStep(2) || !s.IsValidFinalStep(3) {
		t.Fatal("steps 2 and 3 must be valid final steps on x86-64")
	}
}

func TestX64FinalPageMask(t *testing.T) {
	s := Lookup(X64)

	cases := []struct {
		step int
		want uint64
	}{
		{2, memtype.MakeBitMask(30, 51)}, // 1 GiB
		{3, memtype.MakeBitMask(21, 51)}, // 2 MiB
		{4, memtype.MakeBitMask(12, 51)}, // 4 KiB
	}

	for _, c := range cases {
		if got := s.FinalPageMask(c.step); got != c.want {
			t.Fatalf("FinalPageMask(%d) = %#x, want %#x", c.step, got, c.want)
		}
	}
}

func TestValidFinalStepsMatchPerArchPagingRules(t *testing.T) {
	// Every architecture must treat its deepest level (the plain page, no
	// large-page bit needed) as unconditionally terminal.
	for _, id := range []ID{X64, X86PAE, X86, AArch64} {
		s := Lookup(id)
		last := len(s.VirtualSplits) - 1

		if !s.IsValidFinalStep(last) {
			t.Fatalf("%s: deepest step %d must be a valid final step", id, last)
		}

		if s.IsValidFinalStep(1) && id != X86 {
			t.Fatalf("%s: step 1 must not be a valid final step (no huge page at the root level)", id)
		}
	}
}

func TestX64VaIndexDecomposition(t *testing.T) {
	s := Lookup(X64)

	// Construct a VA whose index decomposition is [145, 54, 64, 21] with
	// page offset 1243.
	va := uint64(1243)
	va |= 21 << 12
	va |= 64 << 21
	va |= 54 << 30
	va |= 145 << 39

	addr := memtype.Address(va)

	indices := []uint64{145, 54, 64, 21}
	for k, want := range indices {
		if got := s.VaIndex(addr, k); got != want {
			t.Fatalf("VaIndex(step %d) = %d, want %d", k, got, want)
		}
	}

	if got := addr.BitRange(0, 12); got != 1243 {
		t.Fatalf("page offset = %d, want 1243", got)
	}
}
