//go:build linux && arm64

package vmm

import "unsafe"

// El2State is the per-vcpu state page shared with the EL2 world-switch
// trampoline: the trampoline restores Guest and Sys before ERET into the
// guest and fills Hw on the way back out. The layout is part of the
// trampoline ABI; the offset constants below are consumed by its assembly.
type El2State struct {
	Guest GuestCpuState
	Sys   SysRegState
	Hw    HwExitState
}

// HwExitState is the raw exit syndrome block written at EL2.
type HwExitState struct {
	Esr   uint32
	_     uint32
	Far   uint64
	Hpfar uint64
}

// Trampoline ABI offsets.
const (
	el2GuestOffset     = 0x000
	el2GuestSpOffset   = 0x0f8
	el2GuestPcOffset   = 0x100
	el2GuestCpsrOffset = 0x108
	el2SysOffset       = 0x110
	el2HwOffset        = el2SysOffset + sysRegStateBytes
)

var (
	_ [el2GuestOffset - unsafe.Offsetof(El2State{}.Guest)]struct{}
	_ [unsafe.Offsetof(El2State{}.Guest) - el2GuestOffset]struct{}

	_ [el2GuestSpOffset - unsafe.Offsetof(GuestCpuState{}.Sp)]struct{}
	_ [unsafe.Offsetof(GuestCpuState{}.Sp) - el2GuestSpOffset]struct{}

	_ [el2GuestPcOffset - unsafe.Offsetof(GuestCpuState{}.Pc)]struct{}
	_ [unsafe.Offsetof(GuestCpuState{}.Pc) - el2GuestPcOffset]struct{}

	_ [el2GuestCpsrOffset - unsafe.Offsetof(GuestCpuState{}.Cpsr)]struct{}
	_ [unsafe.Offsetof(GuestCpuState{}.Cpsr) - el2GuestCpsrOffset]struct{}

	_ [el2SysOffset - unsafe.Offsetof(El2State{}.Sys)]struct{}
	_ [unsafe.Offsetof(El2State{}.Sys) - el2SysOffset]struct{}

	_ [el2HwOffset - unsafe.Offsetof(El2State{}.Hw)]struct{}
	_ [unsafe.Offsetof(El2State{}.Hw) - el2HwOffset]struct{}
)

// exit converts the trampoline's syndrome block into an Exit record.
func (s *El2State) exit() Exit {
	return Exit{Esr: s.Hw.Esr, Far: s.Hw.Far, Hpfar: s.Hw.Hpfar}
}

// vttbr composes the stage-2 translation root: VMID in bits [55:48], the
// table base below.
func vttbr(vmid uint32, tablePhys uint64) uint64 {
	return uint64(vmid)<<48 | tablePhys&0xffffffffffff
}

// SPSR_EL2 image for a fresh vcpu: EL1h with DAIF masked, the reset state
// secondary CPUs come up in.
const spsrEl1hDaifMasked = 0x3c5
