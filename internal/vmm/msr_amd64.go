//go:build linux && amd64

package vmm

import "fmt"

const (
	msrIA32TscAdjust   = 0x0000003b
	msrIA32SysenterCS  = 0x00000174
	msrIA32SysenterESP = 0x00000175
	msrIA32SysenterEIP = 0x00000176
	msrIA32PAT         = 0x00000277
	msrIA32Efer        = 0xc0000080
	msrFsBase          = 0xc0000100
	msrGsBase          = 0xc0000101
	msrKernelGsBase    = 0xc0000102
	msrTscAux          = 0xc0000103
)

// readAllowList holds the MSRs the guest may read without exiting. Writes
// always exit so the control plane keeps authoritative copies.
var readAllowList = []uint32{
	msrIA32TscAdjust,
	msrIA32SysenterCS,
	msrIA32SysenterESP,
	msrIA32SysenterEIP,
	msrIA32PAT,
	msrIA32Efer,
	msrFsBase,
	msrGsBase,
	msrKernelGsBase,
	msrTscAux,
}

// MsrBitmap is the VMX MSR intercept page (SDM 25.6.9): read bitmaps for
// the low and high MSR ranges in the first half, write bitmaps in the
// second. A set bit forces an exit.
type MsrBitmap struct {
	page [4096]byte
}

const (
	msrLowBase  = 0x00000000
	msrHighBase = 0xc0000000
	msrSpan     = 0x2000
)

// newMsrBitmap intercepts every access, then opens reads for the
// allow-list.
func newMsrBitmap() *MsrBitmap {
	m := &MsrBitmap{}
	for i := range m.page {
		m.page[i] = 0xff
	}
	for _, msr := range readAllowList {
		m.allowRead(msr)
	}
	return m
}

// bitSlot maps an MSR to its bit position inside a half of the page, or
// ok=false for MSRs outside both architectural ranges (those always exit).
func bitSlot(msr uint32) (idx uint32, high bool, ok bool) {
	switch {
	case msr < msrLowBase+msrSpan:
		return msr, false, true
	case msr >= msrHighBase && msr < msrHighBase+msrSpan:
		return msr - msrHighBase, true, true
	default:
		return 0, false, false
	}
}

func (m *MsrBitmap) allowRead(msr uint32) {
	idx, high, ok := bitSlot(msr)
	if !ok {
		return
	}
	off := idx / 8
	if high {
		off += 0x400
	}
	m.page[off] &^= 1 << (idx % 8)
}

// ReadIntercepted reports whether a guest read of msr exits.
func (m *MsrBitmap) ReadIntercepted(msr uint32) bool {
	idx, high, ok := bitSlot(msr)
	if !ok {
		return true
	}
	off := idx / 8
	if high {
		off += 0x400
	}
	return m.page[off]&(1<<(idx%8)) != 0
}

// WriteIntercepted reports whether a guest write of msr exits. Always
// true by construction.
func (m *MsrBitmap) WriteIntercepted(msr uint32) bool {
	idx, high, ok := bitSlot(msr)
	if !ok {
		return true
	}
	off := 0x800 + idx/8
	if high {
		off += 0x400
	}
	return m.page[off]&(1<<(idx%8)) != 0
}

// Bytes exposes the page for the MSR-bitmap VMCS field.
func (m *MsrBitmap) Bytes() []byte { return m.page[:] }

// Power-on PAT value.
const patResetValue = 0x0007040600070406

// msrState is the shadow copy intercepted accesses are emulated against.
type msrState struct {
	values map[uint32]uint64
}

func newMsrState() *msrState {
	return &msrState{values: map[uint32]uint64{
		msrIA32TscAdjust: 0,
		msrIA32PAT:       patResetValue,
		msrIA32Efer:      0,
		msrTscAux:        0,
	}}
}

// read emulates an intercepted RDMSR against the shadow. Unknown MSRs are
// fatal to the current resume.
func (s *msrState) read(msr uint32) (uint64, error) {
	v, ok := s.values[msr]
	if !ok {
		return 0, fmt.Errorf("hyp: rdmsr %#x: %w", msr, ErrNotSupported)
	}
	return v, nil
}

// write emulates an intercepted WRMSR. MSRs mirrored in VMCS guest fields
// are handled by the dispatcher before reaching the shadow.
func (s *msrState) write(msr uint32, val uint64) error {
	if _, ok := s.values[msr]; !ok {
		return fmt.Errorf("hyp: wrmsr %#x: %w", msr, ErrNotSupported)
	}
	s.values[msr] = val
	return nil
}
