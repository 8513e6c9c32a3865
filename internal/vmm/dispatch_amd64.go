//go:build linux && amd64

package vmm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TraceClasses names this architecture's exit reasons for the trace file.
func TraceClasses() map[uint32]string {
	m := make(map[uint32]string)
	for _, r := range []uint32{
		exitReasonExternalInterrupt,
		exitReasonInterruptWindow,
		exitReasonHlt,
		exitReasonVmcall,
		exitReasonIoInstruction,
		exitReasonRdmsr,
		exitReasonWrmsr,
		exitReasonEptViolation,
	} {
		m[r] = exitReasonString(r)
	}
	return m
}

// hypercallRetNotSupported is the guest-visible VMCALL result for ids the
// control plane does not implement.
const hypercallRetNotSupported = ^uint64(0)

// Exit-qualification fields for IO instruction exits.
const (
	ioQualWidthMask = 0x7
	ioQualDirIn     = 1 << 3
	ioQualString    = 1 << 4
	ioQualRep       = 1 << 5
	ioQualPortShift = 16
)

// step performs one enter/exit cycle on the vcpu's pinned thread. done is
// true when pkt must go to the resume caller; otherwise the exit was
// absorbed and the guest re-enters.
func (v *Vcpu) step(ctx context.Context) (pkt *Packet, done bool, err error) {
	a := &v.arch

	guard := loadApic(a.vmcs, &a.regs, v.irq)
	v.state.Store(vcpuRunning)
	start := time.Now()
	exit, enterErr := v.guest.sys.mon.Enter(a.vmcs, &a.regs)
	elapsed := time.Since(start)
	v.state.Store(vcpuQueued)
	guard.drop()

	v.stats.exits.Add(1)
	if enterErr != nil {
		return nil, false, fmt.Errorf("hyp: vcpu %d enter: %w", v.id, enterErr)
	}

	v.guest.sys.trace.Record(v.id, exit.Reason, elapsed)
	v.dbg.Writef("exit %s qual=%#x gpa=%#x",
		exitReasonString(exit.Reason), exit.Qualification, exit.GuestPhysical)

	switch exit.Reason {
	case exitReasonExternalInterrupt, exitReasonInterruptWindow:
		// Host noise or an opened injection window; nothing to do
		// beyond the guard reload on re-entry.
		return nil, false, nil

	case exitReasonHlt:
		a.regs.Rip += uint64(exit.InstLen)
		if err := v.block(ctx, 0, false); err != nil {
			return nil, false, err
		}
		if a.pv != nil {
			a.pv.update()
		}
		return nil, false, nil

	case exitReasonVmcall:
		a.regs.Rax = hypercallRetNotSupported
		a.regs.Rip += uint64(exit.InstLen)
		v.stats.emulated.Add(1)
		return nil, false, nil

	case exitReasonRdmsr:
		return nil, false, v.handleRdmsr(exit)

	case exitReasonWrmsr:
		return nil, false, v.handleWrmsr(exit)

	case exitReasonIoInstruction:
		return v.handleIo(exit)

	case exitReasonEptViolation:
		return v.handleEptViolation(exit)

	default:
		slog.Error("hyp: unhandled exit",
			"vcpu", v.id, "reason", exit.Reason, "name", exitReasonString(exit.Reason))
		return nil, false, fmt.Errorf("hyp: vcpu %d exit %s (%d): %w",
			v.id, exitReasonString(exit.Reason), exit.Reason, ErrNotSupported)
	}
}

func (v *Vcpu) handleRdmsr(exit Exit) error {
	a := &v.arch

	msr := uint32(a.regs.Rcx)
	val, err := a.msrs.read(msr)
	if err != nil {
		return fmt.Errorf("hyp: vcpu %d: %w", v.id, err)
	}

	a.regs.Rax = val & 0xffffffff
	a.regs.Rdx = val >> 32
	a.regs.Rip += uint64(exit.InstLen)
	v.stats.emulated.Add(1)

	return nil
}

func (v *Vcpu) handleWrmsr(exit Exit) error {
	a := &v.arch

	msr := uint32(a.regs.Rcx)
	val := a.regs.Rdx<<32 | a.regs.Rax&0xffffffff

	switch msr {
	case msrPvSystemTime:
		if err := v.enablePvclock(val); err != nil {
			return fmt.Errorf("hyp: vcpu %d pvclock: %w", v.id, err)
		}
	case msrPvWallClock:
		if err := writeWallClock(v.guest.as, val); err != nil {
			return fmt.Errorf("hyp: vcpu %d pvclock: %w", v.id, err)
		}
	default:
		if err := a.msrs.write(msr, val); err != nil {
			return fmt.Errorf("hyp: vcpu %d: %w", v.id, err)
		}
	}

	a.regs.Rip += uint64(exit.InstLen)
	v.stats.emulated.Add(1)

	return nil
}

// enablePvclock rebinds the vcpu's time page to the guest-chosen address,
// or tears it down when the enable bit is clear.
func (v *Vcpu) enablePvclock(val uint64) error {
	a := &v.arch

	if a.pv != nil {
		a.pv.close()
		a.pv = nil
	}
	if val&pvclockEnable == 0 {
		return nil
	}

	pv, err := newPvclock(v.guest.sys.mon, v.guest.as, val&^uint64(pvclockEnable))
	if err != nil {
		return err
	}
	a.pv = pv
	a.pv.update()

	return nil
}

func (v *Vcpu) handleIo(exit Exit) (*Packet, bool, error) {
	a := &v.arch
	qual := exit.Qualification

	if qual&(ioQualString|ioQualRep) != 0 {
		return nil, false, fmt.Errorf("hyp: vcpu %d string io: %w", v.id, ErrNotSupported)
	}

	width := uint8(qual&ioQualWidthMask) + 1
	in := qual&ioQualDirIn != 0
	port := uint16(qual >> ioQualPortShift)

	trap, err := v.guest.traps.findIO(port)
	if err != nil {
		return nil, false, fmt.Errorf("hyp: vcpu %d io port %#x: %w", v.id, port, err)
	}

	pkt := &Packet{
		Kind: PacketGuestIO,
		Key:  trap.Key,
		IO:   IOAccess{Port: port, Width: width, Read: in},
	}
	if !in {
		pkt.IO.Data = uint32(extendValue(a.regs.Rax, width, false))
	}

	v.pkt = pkt
	a.advance = exit.InstLen
	v.stats.packets.Add(1)

	return pkt, true, nil
}

func (v *Vcpu) handleEptViolation(exit Exit) (*Packet, bool, error) {
	a := &v.arch
	gpa := exit.GuestPhysical

	trap, err := v.guest.traps.find(gpa)
	if err != nil {
		// Untrapped fault: demand-populate and retry the access.
		if ferr := v.guest.as.PageFault(gpa); ferr != nil {
			return nil, false, fmt.Errorf("hyp: vcpu %d page fault %#x: %w", v.id, gpa, ferr)
		}
		v.stats.faults.Add(1)
		return nil, false, nil
	}

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
		a.regs.Rip += uint64(exit.InstLen)
		return nil, false, nil

	case TrapMem:
		n := int(exit.InstLen)
		if n > len(exit.Inst) {
			n = len(exit.Inst)
		}
		dec, derr := decodeMMIO(exit.Inst[:n])
		if derr != nil {
			return nil, false, fmt.Errorf("hyp: vcpu %d mmio %#x: %w", v.id, gpa, derr)
		}

		pkt := &Packet{
			Kind: PacketGuestMem,
			Key:  trap.Key,
			Mem: MemAccess{
				Addr:       gpa,
				Width:      dec.width,
				Read:       dec.read,
				SignExtend: dec.sign,
				Reg:        dec.reg,
			},
		}
		if !dec.read {
			if dec.reg == regImmediate {
				pkt.Mem.Data = dec.imm
			} else {
				pkt.Mem.Data = extendValue(a.regs.Reg(dec.reg), dec.width, false)
			}
		}

		v.pkt = pkt
		a.advance = exit.InstLen
		v.stats.packets.Add(1)

		return pkt, true, nil

	default:
		return nil, false, fmt.Errorf("hyp: vcpu %d trap kind %s at %#x: %w",
			v.id, trap.Kind, gpa, ErrNotSupported)
	}
}

// completePending applies the caller's emulation result from the returned
// packet: register write-back for reads, then the deferred RIP advance.
func (v *Vcpu) completePending() {
	pkt := v.pkt
	v.pkt = nil
	a := &v.arch

	switch pkt.Kind {
	case PacketGuestMem:
		if pkt.Mem.Read && pkt.Mem.Reg != regImmediate {
			a.regs.SetReg(pkt.Mem.Reg,
				extendValue(pkt.Mem.Data, pkt.Mem.Width, pkt.Mem.SignExtend))
		}
	case PacketGuestIO:
		if pkt.IO.Read {
			data := extendValue(uint64(pkt.IO.Data), pkt.IO.Width, false)
			switch pkt.IO.Width {
			case 1:
				a.regs.Rax = a.regs.Rax&^uint64(0xff) | data
			case 2:
				a.regs.Rax = a.regs.Rax&^uint64(0xffff) | data
			default:
				// 32-bit IN zero-extends into RAX.
				a.regs.Rax = data
			}
		}
	}

	a.regs.Rip += uint64(a.advance)
	a.advance = 0
}
