//go:build linux && arm64

package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// TraceClasses names this architecture's exit classes for the trace file.
func TraceClasses() map[uint32]string {
	m := make(map[uint32]string)
	for _, c := range []uint32{
		ecWfx,
		ecHvc64,
		ecSmc64,
		ecSystemRegister,
		ecInstructionAbort,
		ecDataAbort,
	} {
		m[c] = esrClassString(c)
	}
	return m
}

// PSCI function ids served by the control plane.
const (
	psciVersion  = 0x84000000
	psciCpuOn32  = 0x84000003
	psciFeatures = 0x8400000a
	psciCpuOn64  = 0xc4000003
)

// psciVersionValue reports PSCI 1.1.
const psciVersionValue = 0x00010001

// PSCI return codes, negative values as 64-bit two's complement.
const (
	psciRetSuccess         = 0
	psciRetNotSupported    = ^uint64(0)     // -1
	psciRetInvalidParams   = ^uint64(0) - 1 // -2
	psciRetAlreadyOn       = ^uint64(0) - 3 // -4
	psciRetInternalFailure = ^uint64(0) - 5 // -6
)

// Virtual timer PPI, pended when a WFI deadline fires.
const timerVector = 27

// Data-abort ISS fields.
const (
	dabtIsv      = 1 << 24
	dabtSasShift = 22
	dabtSse      = 1 << 21
	dabtSrtShift = 16
	dabtWnR      = 1 << 6
)

// step performs one enter/exit cycle on the vcpu's pinned thread. done is
// true when pkt must go to the resume caller; otherwise the exit was
// absorbed and the guest re-enters.
func (v *Vcpu) step(ctx context.Context) (pkt *Packet, done bool, err error) {
	a := &v.arch
	g := v.guest

	guard := loadGic(g.sys.mon, v.cpu, v.irq)
	v.state.Store(vcpuRunning)
	start := time.Now()
	exit, enterErr := g.sys.mon.Enter(a.el2, g.arch.vttbr)
	elapsed := time.Since(start)
	v.state.Store(vcpuQueued)
	guard.drop()

	v.stats.exits.Add(1)
	if enterErr != nil {
		return nil, false, fmt.Errorf("hyp: vcpu %d enter: %w", v.id, enterErr)
	}

	// Asynchronous exits (host interrupts, kicks) carry no syndrome.
	if exit.Esr == 0 {
		return nil, false, nil
	}

	class := esrClass(exit.Esr)
	g.sys.trace.Record(v.id, class, elapsed)
	v.dbg.Writef("exit %s esr=%#x far=%#x", esrClassString(class), exit.Esr, exit.Far)

	switch class {
	case ecWfx:
		return nil, false, v.handleWfx(ctx)

	case ecHvc64:
		v.handlePsci(false)
		return nil, false, nil

	case ecSmc64:
		v.handlePsci(true)
		return nil, false, nil

	case ecSystemRegister:
		return nil, false, v.handleSysReg(exit)

	case ecInstructionAbort:
		return nil, false, v.handlePageFault(exit.GuestPhysical())

	case ecDataAbort:
		return v.handleDataAbort(exit)

	default:
		slog.Error("hyp: unhandled exit",
			"vcpu", v.id, "class", class, "name", esrClassString(class), "esr", exit.Esr)
		return nil, false, fmt.Errorf("hyp: vcpu %d exit %s (%#x): %w",
			v.id, esrClassString(class), exit.Esr, ErrNotSupported)
	}
}

func (v *Vcpu) handleWfx(ctx context.Context) error {
	a := &v.arch
	a.el2.Guest.Pc += 4

	deadline, timed := timerDeadline(v.guest.sys.mon, &a.el2.Sys)
	if err := v.block(ctx, deadline, timed); err != nil {
		return err
	}

	if timed && timerExpired(v.guest.sys.mon, &a.el2.Sys) {
		v.irq.pend(timerVector, false)
	}

	return nil
}

// timerExpired reports whether the virtual timer condition is met now.
func timerExpired(mon Monitor, sys *SysRegState) bool {
	ctl := sys.CntvCtl
	if ctl&cntvCtlEnable == 0 || ctl&cntvCtlImask != 0 {
		return false
	}
	return mon.Now() >= sys.CntvCval
}

// handlePsci emulates the conduit call in X0. The SMC instruction must be
// stepped over here; HVC return state already points past it.
func (v *Vcpu) handlePsci(smc bool) {
	x := &v.arch.el2.Guest
	if smc {
		x.Pc += 4
	}

	switch fn := uint32(x.X[0]); fn {
	case psciVersion:
		x.X[0] = psciVersionValue

	case psciFeatures:
		switch uint32(x.X[1]) {
		case psciVersion, psciFeatures, psciCpuOn32, psciCpuOn64:
			x.X[0] = psciRetSuccess
		default:
			x.X[0] = psciRetNotSupported
		}

	case psciCpuOn32, psciCpuOn64:
		x.X[0] = v.cpuOn(x.X[1], x.X[2], x.X[3])

	default:
		x.X[0] = psciRetNotSupported
	}

	v.stats.emulated.Add(1)
}

// cpuOn forwards a CPU_ON request to the guest's startup port and maps the
// outcome to the guest-visible result.
func (v *Vcpu) cpuOn(target, entry, context uint64) uint64 {
	// Affinity level 0 of the MPIDR carries the linear vcpu index.
	id := target & 0xff

	err := v.guest.queueStartup(id, entry, context)
	switch {
	case err == nil:
		return psciRetSuccess
	case errors.Is(err, ErrAlreadyExists):
		return psciRetAlreadyOn
	case errors.Is(err, ErrOutOfRange):
		return psciRetInvalidParams
	default:
		slog.Warn("hyp: cpu-on", "vcpu", v.id, "target", id, "err", err)
		return psciRetInternalFailure
	}
}

func (v *Vcpu) handleSysReg(exit Exit) error {
	a := &v.arch

	acc := decodeSysRegAccess(esrIss(exit.Esr))
	slot := a.el2.Sys.field(acc.reg)
	if slot == nil {
		return fmt.Errorf("hyp: vcpu %d sysreg %#x: %w", v.id, acc.reg, ErrNotSupported)
	}

	x := &a.el2.Guest
	if acc.read {
		x.SetReg(acc.rt, *slot)
	} else {
		val := x.Reg(acc.rt)
		if acc.reg == sysRegSctlrEl1 &&
			*slot&sctlrMmuEnable == 0 && val&sctlrMmuEnable != 0 {
			// Tables the guest wrote with the MMU off must be clean
			// in memory before stage-1 walks begin.
			v.guest.sys.mon.CacheCleanTables(v.guest.as.ArchTablePhys())
		}
		*slot = val
	}

	x.Pc += 4
	v.stats.emulated.Add(1)

	return nil
}

func (v *Vcpu) handlePageFault(gpa uint64) error {
	if err := v.guest.as.PageFault(gpa); err != nil {
		return fmt.Errorf("hyp: vcpu %d page fault %#x: %w", v.id, gpa, err)
	}
	v.stats.faults.Add(1)
	return nil
}

func (v *Vcpu) handleDataAbort(exit Exit) (*Packet, bool, error) {
	g := v.guest
	gpa := exit.GuestPhysical()

	trap, err := g.traps.find(gpa)
	if err != nil {
		return nil, false, v.handlePageFault(gpa)
	}

	x := &v.arch.el2.Guest

	switch trap.Kind {
	case TrapBell:
		v.stats.bells.Add(1)
		err := trap.Port.Queue(Packet{
			Kind: PacketGuestBell,
			Key:  trap.Key,
			Bell: BellEvent{Addr: gpa},
		})
		if err != nil {
			return nil, false, fmt.Errorf("hyp: vcpu %d bell %#x: %w", v.id, gpa, err)
		}
		// The access itself has no effect; skip the instruction.
		x.Pc += 4
		return nil, false, nil

	case TrapMem:
		iss := esrIss(exit.Esr)
		if iss&dabtIsv == 0 {
			// No syndrome: the access came from an instruction the
			// hardware does not describe (e.g. a load/store pair).
			return nil, false, fmt.Errorf("hyp: vcpu %d mmio %#x without syndrome: %w",
				v.id, gpa, ErrNotSupported)
		}

		width := uint8(1) << (iss >> dabtSasShift & 3)
		reg := uint8(iss >> dabtSrtShift & 0x1f)
		write := iss&dabtWnR != 0

		pkt := &Packet{
			Kind: PacketGuestMem,
			Key:  trap.Key,
			Mem: MemAccess{
				Addr:       gpa,
				Width:      width,
				Read:       !write,
				SignExtend: iss&dabtSse != 0,
				Reg:        reg,
			},
		}
		if write {
			pkt.Mem.Data = extendValue(x.Reg(reg), width, false)
		}

		v.pkt = pkt
		v.stats.packets.Add(1)

		return pkt, true, nil

	default:
		return nil, false, fmt.Errorf("hyp: vcpu %d trap kind %s at %#x: %w",
			v.id, trap.Kind, gpa, ErrNotSupported)
	}
}

// completePending applies the caller's emulation result from the returned
// packet: register write-back for reads, then the deferred advance past
// the faulting instruction.
func (v *Vcpu) completePending() {
	pkt := v.pkt
	v.pkt = nil

	x := &v.arch.el2.Guest
	if pkt.Kind == PacketGuestMem && pkt.Mem.Read {
		x.SetReg(pkt.Mem.Reg, extendValue(pkt.Mem.Data, pkt.Mem.Width, pkt.Mem.SignExtend))
	}

	x.Pc += 4
}
