//go:build linux

package gpas

import (
	"errors"
	"testing"

	"github.com/osmium-kernel/hyp/internal/vmm"
)

func TestNewValidation(t *testing.T) {
	if _, err := New(0x1000, 0); !errors.Is(err, vmm.ErrInvalidArgs) {
		t.Fatalf("zero size: got %v", err)
	}
	if _, err := New(0x1001, 0x1000); !errors.Is(err, vmm.ErrInvalidArgs) {
		t.Fatalf("unaligned base: got %v", err)
	}
	if _, err := New(0x1000, 0x1001); !errors.Is(err, vmm.ErrInvalidArgs) {
		t.Fatalf("unaligned size: got %v", err)
	}
	if _, err := New(^uint64(0)-0xfff, 0x2000); !errors.Is(err, vmm.ErrOutOfRange) {
		t.Fatalf("wrapping range: got %v", err)
	}
}

func TestDemandFault(t *testing.T) {
	s, err := New(0x40000000, 0x10000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if s.Present(0x40002000) {
		t.Fatal("page present before fault")
	}
	if s.Resident() != 0 {
		t.Fatalf("resident = %d before any fault", s.Resident())
	}

	if err := s.PageFault(0x40002123); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	if !s.Present(0x40002000) {
		t.Fatal("page absent after fault")
	}
	if s.Resident() != 0x1000 {
		t.Fatalf("resident = %d, want one page", s.Resident())
	}

	// Spurious refault succeeds without growing the resident set.
	if err := s.PageFault(0x40002fff); err != nil {
		t.Fatalf("refault: %v", err)
	}
	if s.Resident() != 0x1000 {
		t.Fatalf("resident = %d after refault", s.Resident())
	}

	if err := s.PageFault(0x3fffffff); !errors.Is(err, vmm.ErrOutOfRange) {
		t.Fatalf("fault below base: got %v", err)
	}
	if err := s.PageFault(0x40010000); !errors.Is(err, vmm.ErrOutOfRange) {
		t.Fatalf("fault past end: got %v", err)
	}
}

func TestUnmapRange(t *testing.T) {
	s, err := New(0, 0x8000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	p, err := s.CreateGuestPtr(0x2000, 0x2000, "scratch")
	if err != nil {
		t.Fatalf("CreateGuestPtr: %v", err)
	}
	p.Bytes()[0] = 0xaa
	p.Bytes()[0x1fff] = 0xbb
	if !s.Present(0x2000) || !s.Present(0x3000) {
		t.Fatal("pinned pages not present")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("ptr close: %v", err)
	}

	if err := s.UnmapRange(0x2000, 0x2000); err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}
	if s.Present(0x2000) || s.Present(0x3000) {
		t.Fatal("pages present after unmap")
	}

	// The backing was dropped: refaulted pages read as zero.
	if err := s.PageFault(0x2000); err != nil {
		t.Fatalf("refault: %v", err)
	}
	q, err := s.CreateGuestPtr(0x2000, 0x1000, "scratch")
	if err != nil {
		t.Fatalf("CreateGuestPtr: %v", err)
	}
	defer q.Close()
	if q.Bytes()[0] != 0 {
		t.Fatalf("unmapped page kept contents: %#x", q.Bytes()[0])
	}

	if err := s.UnmapRange(0x2001, 0x1000); !errors.Is(err, vmm.ErrInvalidArgs) {
		t.Fatalf("unaligned unmap: got %v", err)
	}
	if err := s.UnmapRange(0x7000, 0x2000); !errors.Is(err, vmm.ErrOutOfRange) {
		t.Fatalf("unmap past end: got %v", err)
	}
}

func TestGuestPtr(t *testing.T) {
	s, err := New(0x1000, 0x4000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := s.CreateGuestPtr(0x1000, 0, "empty"); !errors.Is(err, vmm.ErrInvalidArgs) {
		t.Fatalf("zero-size ptr: got %v", err)
	}
	if _, err := s.CreateGuestPtr(0x4000, 0x2000, "past"); !errors.Is(err, vmm.ErrOutOfRange) {
		t.Fatalf("out-of-range ptr: got %v", err)
	}

	p, err := s.CreateGuestPtr(0x1800, 0x100, "blob")
	if err != nil {
		t.Fatalf("CreateGuestPtr: %v", err)
	}
	if p.Phys() != 0x1800 {
		t.Fatalf("Phys = %#x", p.Phys())
	}
	if len(p.Bytes()) != 0x100 {
		t.Fatalf("len = %d", len(p.Bytes()))
	}

	// Views alias the same backing.
	q, err := s.CreateGuestPtr(0x1800, 0x100, "alias")
	if err != nil {
		t.Fatalf("CreateGuestPtr: %v", err)
	}
	p.Bytes()[7] = 0x42
	if q.Bytes()[7] != 0x42 {
		t.Fatal("views do not alias")
	}

	if err := s.Close(); !errors.Is(err, vmm.ErrBadState) {
		t.Fatalf("close with live ptrs: got %v", err)
	}

	p.Close()
	p.Close() // idempotent
	q.Close()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.PageFault(0x1000); !errors.Is(err, vmm.ErrBadState) {
		t.Fatalf("fault after close: got %v", err)
	}
}

func TestArchTablePhys(t *testing.T) {
	s, err := New(0x80000000, 0x10000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	got := s.ArchTablePhys()
	if got != 0x80010000 {
		t.Fatalf("ArchTablePhys = %#x", got)
	}
	if got%pageSize != 0 {
		t.Fatal("table root not page aligned")
	}
}
