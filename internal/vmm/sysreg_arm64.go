//go:build linux && arm64

package vmm

import "unsafe"

// sysReg packs an Op0/Op1/CRn/CRm/Op2 system-register address into one
// comparable key.
func sysReg(op0, op1, crn, crm, op2 uint32) uint32 {
	return op0<<16 | op1<<12 | crn<<8 | crm<<4 | op2
}

// Registers trapped and emulated against the shadow copy.
var (
	sysRegSctlrEl1    = sysReg(3, 0, 1, 0, 0)
	sysRegTtbr0El1    = sysReg(3, 0, 2, 0, 0)
	sysRegTtbr1El1    = sysReg(3, 0, 2, 0, 1)
	sysRegTcrEl1      = sysReg(3, 0, 2, 0, 2)
	sysRegMairEl1     = sysReg(3, 0, 10, 2, 0)
	sysRegVbarEl1     = sysReg(3, 0, 12, 0, 0)
	sysRegCntvCtlEl0  = sysReg(3, 3, 14, 3, 1)
	sysRegCntvCvalEl0 = sysReg(3, 3, 14, 3, 2)
)

// SCTLR_EL1.M: stage-1 MMU enable.
const sctlrMmuEnable = 1 << 0

// CNTV_CTL_EL0 bits.
const (
	cntvCtlEnable  = 1 << 0
	cntvCtlImask   = 1 << 1
	cntvCtlIstatus = 1 << 2
)

// SysRegState is the shadow system-register file, the Sys block of the
// EL2 state page. The trampoline context-switches it; trapped MSR/MRS
// accesses are emulated against it.
type SysRegState struct {
	Sctlr    uint64
	Ttbr0    uint64
	Ttbr1    uint64
	Tcr      uint64
	Mair     uint64
	Vbar     uint64
	CntvCtl  uint64
	CntvCval uint64
}

const sysRegStateBytes = 64

var (
	_ [sysRegStateBytes - unsafe.Sizeof(SysRegState{})]struct{}
	_ [unsafe.Sizeof(SysRegState{}) - sysRegStateBytes]struct{}
)

// field maps a register key to its shadow slot, or nil for registers this
// control plane does not emulate.
func (s *SysRegState) field(reg uint32) *uint64 {
	switch reg {
	case sysRegSctlrEl1:
		return &s.Sctlr
	case sysRegTtbr0El1:
		return &s.Ttbr0
	case sysRegTtbr1El1:
		return &s.Ttbr1
	case sysRegTcrEl1:
		return &s.Tcr
	case sysRegMairEl1:
		return &s.Mair
	case sysRegVbarEl1:
		return &s.Vbar
	case sysRegCntvCtlEl0:
		return &s.CntvCtl
	case sysRegCntvCvalEl0:
		return &s.CntvCval
	default:
		return nil
	}
}

// sysRegAccess is a decoded MSR/MRS trap (ESR_EL2 EC 0b011000 ISS).
type sysRegAccess struct {
	reg  uint32
	rt   uint8
	read bool
}

func decodeSysRegAccess(iss uint32) sysRegAccess {
	op0 := (iss >> 20) & 3
	op2 := (iss >> 17) & 7
	op1 := (iss >> 14) & 7
	crn := (iss >> 10) & 0xf
	rt := uint8((iss >> 5) & 0x1f)
	crm := (iss >> 1) & 0xf

	return sysRegAccess{
		reg:  sysReg(op0, op1, crn, crm, op2),
		rt:   rt,
		read: iss&1 != 0,
	}
}
