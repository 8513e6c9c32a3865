//go:build linux && amd64

package vmm

import (
	"fmt"
	"unsafe"
)

// GuestRegs is the guest general-purpose register file, loaded before VM
// entry and stored back on every exit. Index order follows the VMX
// instruction-information register encoding.
type GuestRegs struct {
	Rax, Rcx, Rdx, Rbx uint64
	Rsp, Rbp, Rsi, Rdi uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	Rip    uint64
	Rflags uint64
}

// Reg returns register i in instruction-info encoding (0=RAX .. 15=R15).
func (r *GuestRegs) Reg(i uint8) uint64 {
	switch i {
	case 0:
		return r.Rax
	case 1:
		return r.Rcx
	case 2:
		return r.Rdx
	case 3:
		return r.Rbx
	case 4:
		return r.Rsp
	case 5:
		return r.Rbp
	case 6:
		return r.Rsi
	case 7:
		return r.Rdi
	case 8:
		return r.R8
	case 9:
		return r.R9
	case 10:
		return r.R10
	case 11:
		return r.R11
	case 12:
		return r.R12
	case 13:
		return r.R13
	case 14:
		return r.R14
	default:
		return r.R15
	}
}

// SetReg writes register i in instruction-info encoding.
func (r *GuestRegs) SetReg(i uint8, v uint64) {
	switch i {
	case 0:
		r.Rax = v
	case 1:
		r.Rcx = v
	case 2:
		r.Rdx = v
	case 3:
		r.Rbx = v
	case 4:
		r.Rsp = v
	case 5:
		r.Rbp = v
	case 6:
		r.Rsi = v
	case 7:
		r.Rdi = v
	case 8:
		r.R8 = v
	case 9:
		r.R9 = v
	case 10:
		r.R10 = v
	case 11:
		r.R11 = v
	case 12:
		r.R12 = v
	case 13:
		r.R13 = v
	case 14:
		r.R14 = v
	default:
		r.R15 = v
	}
}

// StateKind selects which fixed-size state blob ReadState and WriteState
// operate on.
type StateKind uint32

const (
	// StateRegisters is the general-purpose register file. The program
	// counter is deliberately absent; it is set once at Vcpu creation
	// and then owned by the exit path.
	StateRegisters StateKind = 1
)

// VcpuState is the StateRegisters blob. It crosses the syscall boundary,
// so the layout is fixed.
type VcpuState struct {
	Rax, Rcx, Rdx, Rbx uint64
	Rsp, Rbp, Rsi, Rdi uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rflags             uint64
}

const vcpuStateBytes = 136

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

func (r *GuestRegs) readState(kind StateKind, buf []byte) error {
	if kind != StateRegisters || len(buf) != vcpuStateBytes {
		return fmt.Errorf("hyp: read state kind %d len %d: %w", kind, len(buf), ErrInvalidArgs)
	}

	st := VcpuState{
		Rax: r.Rax, Rcx: r.Rcx, Rdx: r.Rdx, Rbx: r.Rbx,
		Rsp: r.Rsp, Rbp: r.Rbp, Rsi: r.Rsi, Rdi: r.Rdi,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		Rflags: r.Rflags,
	}
	copy(buf, (*[vcpuStateBytes]byte)(unsafe.Pointer(&st))[:])
	return nil
}

func (r *GuestRegs) writeState(kind StateKind, buf []byte) error {
	if kind != StateRegisters || len(buf) != vcpuStateBytes {
		return fmt.Errorf("hyp: write state kind %d len %d: %w", kind, len(buf), ErrInvalidArgs)
	}

	var st VcpuState
	copy((*[vcpuStateBytes]byte)(unsafe.Pointer(&st))[:], buf)

	r.Rax, r.Rcx, r.Rdx, r.Rbx = st.Rax, st.Rcx, st.Rdx, st.Rbx
	r.Rsp, r.Rbp, r.Rsi, r.Rdi = st.Rsp, st.Rbp, st.Rsi, st.Rdi
	r.R8, r.R9, r.R10, r.R11 = st.R8, st.R9, st.R10, st.R11
	r.R12, r.R13, r.R14, r.R15 = st.R12, st.R13, st.R14, st.R15
	r.Rflags = st.Rflags
	return nil
}
