//go:build linux && arm64

package vmm

import (
	"fmt"
	"unsafe"
)

// GuestCpuState is the guest core register file: the guest half of the
// EL2 state page the world-switch trampoline reads and writes.
type GuestCpuState struct {
	X    [31]uint64
	Sp   uint64
	Pc   uint64 // ELR_EL2 image
	Cpsr uint64 // SPSR_EL2 image
}

// Reg returns Xi; index 31 is XZR and reads as zero.
func (g *GuestCpuState) Reg(i uint8) uint64 {
	if i >= 31 {
		return 0
	}
	return g.X[i]
}

// SetReg writes Xi; writes to XZR are discarded.
func (g *GuestCpuState) SetReg(i uint8, v uint64) {
	if i >= 31 {
		return
	}
	g.X[i] = v
}

// StateKind selects which fixed-size state blob ReadState and WriteState
// operate on.
type StateKind uint32

const (
	// StateRegisters is the core register file. The program counter is
	// deliberately absent; it is set once at Vcpu creation and then
	// owned by the exit path.
	StateRegisters StateKind = 1
)

// VcpuState is the StateRegisters blob. It crosses the syscall boundary,
// so the layout is fixed.
type VcpuState struct {
	X    [31]uint64
	Sp   uint64
	Cpsr uint32
	_    [4]byte
}

const vcpuStateBytes = 264

// Layout checks; a mismatch breaks the syscall-layer copy contract.
var (
	_ [vcpuStateBytes - unsafe.Sizeof(VcpuState{})]struct{}
	_ [unsafe.Sizeof(VcpuState{}) - vcpuStateBytes]struct{}
)

// StateSize returns the blob size for kind, or 0 if the kind is unknown.
func StateSize(kind StateKind) int {
	switch kind {
	case StateRegisters:
		return vcpuStateBytes
	default:
		return 0
	}
}

func (g *GuestCpuState) readState(kind StateKind, buf []byte) error {
	if kind != StateRegisters || len(buf) != vcpuStateBytes {
		return fmt.Errorf("hyp: read state kind %d len %d: %w", kind, len(buf), ErrInvalidArgs)
	}

	st := VcpuState{X: g.X, Sp: g.Sp, Cpsr: uint32(g.Cpsr)}
	copy(buf, (*[vcpuStateBytes]byte)(unsafe.Pointer(&st))[:])
	return nil
}

func (g *GuestCpuState) writeState(kind StateKind, buf []byte) error {
	if kind != StateRegisters || len(buf) != vcpuStateBytes {
		return fmt.Errorf("hyp: write state kind %d len %d: %w", kind, len(buf), ErrInvalidArgs)
	}

	var st VcpuState
	copy((*[vcpuStateBytes]byte)(unsafe.Pointer(&st))[:], buf)

	g.X = st.X
	g.Sp = st.Sp
	g.Cpsr = uint64(st.Cpsr)
	return nil
}
