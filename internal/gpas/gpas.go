//go:build linux

// Package gpas backs a guest-physical address space with an anonymous host
// mapping. It keeps a page-granular resident set so unmapped ranges fault
// through the trap path and demand faults populate zero pages, which is the
// contract the control plane expects from the kernel's stage-2 tables.
package gpas

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/osmium-kernel/hyp/internal/vmm"
)

const pageSize = 4096

// Space is a host vmm.AddressSpace over [Base, Base+Size) guest-physical
// bytes.
type Space struct {
	base uint64
	size uint64
	mem  []byte

	mu      sync.RWMutex
	present bitmap.Bitmap
	closed  bool

	ptrs atomic.Int32
}

var _ vmm.AddressSpace = (*Space)(nil)

// New maps size bytes of guest RAM at guest-physical base. Both must be
// page aligned. All pages start absent and populate on first fault.
func New(base, size uint64) (*Space, error) {
	if size == 0 || base%pageSize != 0 || size%pageSize != 0 {
		return nil, fmt.Errorf("gpas: new [%#x, %#x): %w", base, base+size, vmm.ErrInvalidArgs)
	}
	if base+size < base || size/pageSize > math.MaxUint32 {
		return nil, fmt.Errorf("gpas: new [%#x, %#x): %w", base, base+size, vmm.ErrOutOfRange)
	}

	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("gpas: map %d bytes: %w", size, err)
	}

	// Identical zero pages across guests are fair game for KSM.
	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("gpas: madvise: %w", err)
	}

	return &Space{
		base:    base,
		size:    size,
		mem:     mem,
		present: bitmap.New(uint32(size / pageSize)),
	}, nil
}

func (s *Space) Base() uint64 { return s.base }
func (s *Space) Size() uint64 { return s.size }

// ArchTablePhys returns the physical address stamped into the EPT pointer
// or VTTBR. The software model keeps translation tables out of guest RAM,
// so the page after the last RAM page stands in for the table root.
func (s *Space) ArchTablePhys() uint64 { return s.base + s.size }

// contains reports whether [addr, addr+size) lies inside the space, size 0
// meaning a single address.
func (s *Space) contains(addr, size uint64) bool {
	if addr < s.base || addr+size < addr {
		return false
	}
	return addr-s.base+size <= s.size
}

// UnmapRange removes the page-aligned range so later guest accesses fault.
// The backing is dropped too; pages faulted back in read as zero.
func (s *Space) UnmapRange(addr, size uint64) error {
	if size == 0 || addr%pageSize != 0 || size%pageSize != 0 {
		return fmt.Errorf("gpas: unmap [%#x, %#x): %w", addr, addr+size, vmm.ErrInvalidArgs)
	}
	if !s.contains(addr, size) {
		return fmt.Errorf("gpas: unmap [%#x, %#x): %w", addr, addr+size, vmm.ErrOutOfRange)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("gpas: unmap: %w", vmm.ErrBadState)
	}

	off := addr - s.base
	for page := off / pageSize; page < (off+size)/pageSize; page++ {
		s.present.Remove(uint32(page))
	}
	if err := unix.Madvise(s.mem[off:off+size], unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("gpas: drop [%#x, %#x): %w", addr, addr+size, err)
	}
	return nil
}

// PageFault populates the page containing gpa. Faults on already-present
// pages are spurious and succeed.
func (s *Space) PageFault(gpa uint64) error {
	if !s.contains(gpa, 1) {
		return fmt.Errorf("gpas: fault %#x: %w", gpa, vmm.ErrOutOfRange)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("gpas: fault %#x: %w", gpa, vmm.ErrBadState)
	}
	s.present.Add(uint32((gpa - s.base) / pageSize))
	return nil
}

// Present reports whether the page containing gpa is resident.
func (s *Space) Present(gpa uint64) bool {
	if !s.contains(gpa, 1) {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	page := uint32((gpa - s.base) / pageSize)
	got, err := s.present.FirstOne(page)
	return err == nil && got == page
}

// Resident returns the resident byte count.
func (s *Space) Resident() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(s.present.GetNumOnes()) * pageSize
}

// CreateGuestPtr pins [gpa, gpa+size) and returns a host view of it. The
// covered pages are populated; the view stays valid until closed.
func (s *Space) CreateGuestPtr(gpa, size uint64, name string) (vmm.GuestPtr, error) {
	if size == 0 {
		return nil, fmt.Errorf("gpas: ptr %q: %w", name, vmm.ErrInvalidArgs)
	}
	if !s.contains(gpa, size) {
		return nil, fmt.Errorf("gpas: ptr %q [%#x, %#x): %w", name, gpa, gpa+size, vmm.ErrOutOfRange)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("gpas: ptr %q: %w", name, vmm.ErrBadState)
	}

	off := gpa - s.base
	for page := off / pageSize; page <= (off+size-1)/pageSize; page++ {
		s.present.Add(uint32(page))
	}

	s.ptrs.Add(1)
	return &guestPtr{
		space: s,
		gpa:   gpa,
		view:  s.mem[off : off+size : off+size],
		name:  name,
	}, nil
}

// Close unmaps the backing. It fails while guest pointers are outstanding.
func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if n := s.ptrs.Load(); n > 0 {
		return fmt.Errorf("gpas: close with %d guest pointers: %w", n, vmm.ErrBadState)
	}

	s.closed = true
	mem := s.mem
	s.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("gpas: unmap backing: %w", err)
	}
	return nil
}

type guestPtr struct {
	space  *Space
	gpa    uint64
	view   []byte
	name   string
	closed atomic.Bool
}

var _ vmm.GuestPtr = (*guestPtr)(nil)

func (p *guestPtr) Bytes() []byte { return p.view }
func (p *guestPtr) Phys() uint64  { return p.gpa }

func (p *guestPtr) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.space.ptrs.Add(-1)
	p.view = nil
	return nil
}
