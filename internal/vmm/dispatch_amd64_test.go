//go:build linux && amd64

package vmm_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"unsafe"

	"github.com/osmium-kernel/hyp/internal/sim"
	"github.com/osmium-kernel/hyp/internal/vmm"
)

const rflagsIF = 1 << 9

// checkpoint is the scripts' terminal step: a harmless read of the mmio
// trap page, surfacing as the packet mustCheckpoint consumes.
func checkpoint() sim.Event {
	return sim.Load(mmioPage, 4, 0, false)
}

// snap copies the register file as the guest sees it when this step runs,
// then behaves as next.
func snap(dst *vmm.GuestRegs, next sim.Event) sim.Event {
	return func(c *sim.CPU) (vmm.Exit, error) {
		*dst = *c.Regs
		return next(c)
	}
}

// poke sets a register (instruction-info encoding) before next runs.
func poke(reg int, val uint64, next sim.Event) sim.Event {
	return func(c *sim.CPU) (vmm.Exit, error) {
		c.Regs.SetReg(uint8(reg), val)
		return next(c)
	}
}

// sti models the guest opening interrupts; the exit itself is host noise.
func sti() sim.Event {
	return func(c *sim.CPU) (vmm.Exit, error) {
		c.Regs.Rflags |= rflagsIF
		return vmm.Exit{Reason: 1}, nil
	}
}

func TestVmcallNotSupported(t *testing.T) {
	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	var s vmm.GuestRegs
	e.m.Push(v.CPU(),
		sim.Vmcall(),
		snap(&s, checkpoint()),
	)
	mustCheckpoint(t, v)

	if s.Rax != ^uint64(0) {
		t.Fatalf("vmcall result = %#x, want not-supported", s.Rax)
	}
	if s.Rip != entryPC+3 {
		t.Fatalf("rip = %#x, want stepped past the vmcall", s.Rip)
	}
	if st := v.Stats(); st.Emulated != 1 {
		t.Fatalf("emulated = %d", st.Emulated)
	}
}

func TestHltWakesOnInterrupt(t *testing.T) {
	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	e.m.Push(v.CPU(),
		sim.Hlt(),
		sti(),
		checkpoint(),
	)

	var (
		pkt  *vmm.Packet
		rerr error
	)
	done := make(chan struct{})
	go func() {
		pkt, rerr = v.Resume(context.Background())
		close(done)
	}()

	waitFor(t, "vcpu to halt", func() bool { return v.Stats().Blocks == 1 })
	if err := v.VirtualInterrupt(0x35); err != nil {
		t.Fatal(err)
	}
	<-done

	if rerr != nil {
		t.Fatal(rerr)
	}
	if pkt == nil || pkt.Kind != vmm.PacketGuestMem || pkt.Mem.Addr != mmioPage {
		t.Fatalf("resume packet %+v", pkt)
	}

	if got := e.m.Delivered(); len(got) != 1 || got[0] != 0x35 {
		t.Fatalf("delivered %v, want [0x35]", got)
	}
}

// A vector posted while RFLAGS.IF is clear must wait in the window: it is
// injected on the first entry after the guest opens interrupts.
func TestInterruptWindow(t *testing.T) {
	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	if err := v.VirtualInterrupt(0x31); err != nil {
		t.Fatal(err)
	}

	e.m.Push(v.CPU(),
		sti(),
		checkpoint(),
	)
	mustCheckpoint(t, v)

	if got := e.m.Delivered(); len(got) != 1 || got[0] != 0x31 {
		t.Fatalf("delivered %v, want [0x31]", got)
	}
	if st := v.Stats(); st.Interrupts != 1 {
		t.Fatalf("interrupts = %d", st.Interrupts)
	}
}

// An interrupt posted while the guest runs must IPI exactly the vcpu's
// cpu; the vector is delivered once the guest is interruptible.
func TestInterruptWhileRunning(t *testing.T) {
	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	done := make(chan error, 1)
	go func() {
		_, err := v.Resume(context.Background())
		done <- err
	}()
	waitFor(t, "guest entry", func() bool { return e.m.Enters(0) >= 1 })

	e.m.Push(v.CPU(), sti(), checkpoint())

	mask, err := v.Interrupt(0x40, vmm.InterruptVirtual)
	if err != nil {
		t.Fatal(err)
	}
	if mask != 1<<0 {
		t.Fatalf("IPI mask = %#x, want cpu 0 only", mask)
	}

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := e.m.Delivered(); len(got) != 1 || got[0] != 0x40 {
		t.Fatalf("delivered %v, want [0x40]", got)
	}
	if st := v.Stats(); st.Kicks != 1 || st.Interrupts != 1 {
		t.Fatalf("kicks=%d interrupts=%d", st.Kicks, st.Interrupts)
	}
}

// The full port-IO protocol: OUT packets carry the narrowed RAX operand,
// IN packets merge the caller's result back into RAX by width, and RIP
// advances only when the access completes.
func TestIoProtocol(t *testing.T) {
	const (
		uartBase = 0x3f8
		ioKey    = 0x33
	)

	e := newGuestEnv(t, 1)
	if err := e.g.SetTrap(vmm.TrapIO, uartBase, 8, nil, ioKey); err != nil {
		t.Fatal(err)
	}
	v := e.vcpu(t)

	// OUT: the packet carries the operand.
	e.m.Push(v.CPU(), sim.Out(uartBase, 1, 0x41))
	pkt := mustResume(t, v)
	if pkt == nil || pkt.Kind != vmm.PacketGuestIO || pkt.Key != ioKey {
		t.Fatalf("out packet %+v", pkt)
	}
	if io := pkt.IO; io.Port != uartBase || io.Width != 1 || io.Read || io.Data != 0x41 {
		t.Fatalf("out access %+v", io)
	}

	// Word IN. The OUT's deferred RIP advance lands first.
	var s1 vmm.GuestRegs
	e.m.Push(v.CPU(), snap(&s1, sim.In(uartBase+5, 2)))
	pkt2 := mustResume(t, v)
	if s1.Rip != entryPC+1 {
		t.Fatalf("rip after out completion = %#x", s1.Rip)
	}
	if pkt2 == nil || !pkt2.IO.Read || pkt2.IO.Width != 2 || pkt2.IO.Port != uartBase+5 {
		t.Fatalf("in packet %+v", pkt2)
	}
	pkt2.IO.Data = 0xabcd

	// Word IN merges into the low half of RAX, 32-bit IN replaces it.
	var s2 vmm.GuestRegs
	e.m.Push(v.CPU(), snap(&s2, sim.In(uartBase, 4)))
	pkt3 := mustResume(t, v)
	if s2.Rax != 0xabcd {
		t.Fatalf("rax after word in = %#x", s2.Rax)
	}
	if s2.Rip != entryPC+2 {
		t.Fatalf("rip = %#x after in completion", s2.Rip)
	}
	pkt3.IO.Data = 0xdead_beef

	var s3 vmm.GuestRegs
	e.m.Push(v.CPU(), snap(&s3, checkpoint()))
	mustCheckpoint(t, v)
	if s3.Rax != 0xdead_beef {
		t.Fatalf("rax after dword in = %#x", s3.Rax)
	}
	if s3.Rip != entryPC+3 {
		t.Fatalf("rip = %#x at checkpoint", s3.Rip)
	}

	if st := v.Stats(); st.Packets != 4 {
		t.Fatalf("packets = %d, want 4", st.Packets)
	}
}

func TestIoUntrappedPortIsFatal(t *testing.T) {
	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	e.m.Push(v.CPU(), sim.In(0x80, 1))
	if _, err := v.Resume(context.Background()); !errors.Is(err, vmm.ErrNotFound) {
		t.Fatalf("resume = %v, want ErrNotFound", err)
	}
}

func TestStringIoIsFatal(t *testing.T) {
	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	// INS/OUTS qualification; the decoder never sees these.
	e.m.Push(v.CPU(), sim.Raw(30, 1<<4|0x3f8<<16, 0))
	if _, err := v.Resume(context.Background()); !errors.Is(err, vmm.ErrNotSupported) {
		t.Fatalf("resume = %v, want ErrNotSupported", err)
	}
}

// The full MMIO protocol over instruction decode: store packets carry the
// operand (register or immediate), load packets carry the caller's result
// back into the register file, and RIP advances by the decoded length only
// when the access completes.
func TestMmioProtocol(t *testing.T) {
	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	// MOV [mem], EBX: the packet carries the narrowed operand.
	e.m.Push(v.CPU(), poke(3, 0x1122_3344_5566_7788, sim.Store(mmioPage+8, 4, 3)))
	pkt := mustResume(t, v)
	if pkt == nil || pkt.Kind != vmm.PacketGuestMem || pkt.Key != mmioKey {
		t.Fatalf("store packet %+v", pkt)
	}
	mem := pkt.Mem
	if mem.Addr != mmioPage+8 || mem.Width != 4 || mem.Read || mem.Reg != 3 {
		t.Fatalf("store access %+v", mem)
	}
	if mem.Data != 0x5566_7788 {
		t.Fatalf("store data = %#x, want narrowed operand", mem.Data)
	}

	// MOV DX, [mem].
	var s1 vmm.GuestRegs
	e.m.Push(v.CPU(), snap(&s1, sim.Load(mmioPage+4, 2, 2, false)))
	pkt2 := mustResume(t, v)
	if s1.Rip != entryPC+2 {
		t.Fatalf("rip after store completion = %#x", s1.Rip)
	}
	if pkt2 == nil || !pkt2.Mem.Read || pkt2.Mem.Width != 2 || pkt2.Mem.Reg != 2 {
		t.Fatalf("load packet %+v", pkt2)
	}
	pkt2.Mem.Data = 0xabcd

	// MOVSX RBP, byte [mem].
	var s2 vmm.GuestRegs
	e.m.Push(v.CPU(), snap(&s2, sim.Load(mmioPage, 1, 5, true)))
	pkt3 := mustResume(t, v)
	if s2.Rdx != 0xabcd {
		t.Fatalf("rdx = %#x, want load result", s2.Rdx)
	}
	if s2.Rip != entryPC+5 {
		t.Fatalf("rip = %#x after load completion", s2.Rip)
	}
	if pkt3 == nil || !pkt3.Mem.SignExtend || pkt3.Mem.Width != 1 {
		t.Fatalf("signed load packet %+v", pkt3)
	}
	pkt3.Mem.Data = 0x80

	// MOV word [mem], imm.
	var s3 vmm.GuestRegs
	e.m.Push(v.CPU(), snap(&s3, sim.StoreImm(mmioPage+16, 2, 0x1234)))
	pkt4 := mustResume(t, v)
	if s3.Rbp != 0xffff_ffff_ffff_ff80 {
		t.Fatalf("rbp = %#x, want sign-extended byte", s3.Rbp)
	}
	if s3.Rip != entryPC+8 {
		t.Fatalf("rip = %#x", s3.Rip)
	}
	if pkt4 == nil || pkt4.Mem.Read || pkt4.Mem.Width != 2 || pkt4.Mem.Data != 0x1234 {
		t.Fatalf("immediate store packet %+v", pkt4)
	}

	var s4 vmm.GuestRegs
	e.m.Push(v.CPU(), snap(&s4, checkpoint()))
	mustCheckpoint(t, v)
	if s4.Rip != entryPC+13 {
		t.Fatalf("rip = %#x at checkpoint", s4.Rip)
	}

	if st := v.Stats(); st.Packets != 5 {
		t.Fatalf("packets = %d, want 5", st.Packets)
	}
}

func TestMmioUndecodableIsFatal(t *testing.T) {
	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	// EPT violation on the trap page with no instruction bytes.
	e.m.Push(v.CPU(), sim.Raw(48, 1, mmioPage))
	if _, err := v.Resume(context.Background()); !errors.Is(err, vmm.ErrInvalidArgs) {
		t.Fatalf("resume = %v, want ErrInvalidArgs", err)
	}
}

func TestBellTrap(t *testing.T) {
	e := newGuestEnv(t, 1)

	port := newChanPort(1)
	if err := e.g.SetTrap(vmm.TrapBell, bellPage, pageSize, port, bellKey); err != nil {
		t.Fatal(err)
	}
	v := e.vcpu(t)

	// First ring is absorbed in place; the second finds the port full
	// and surfaces to the caller.
	e.m.Push(v.CPU(),
		sim.Store(bellPage+16, 4, 1),
		sim.Store(bellPage+32, 8, 2),
	)
	if _, err := v.Resume(context.Background()); !errors.Is(err, vmm.ErrPortFull) {
		t.Fatalf("resume with full port = %v, want ErrPortFull", err)
	}

	pkt := port.take(t)
	if pkt.Kind != vmm.PacketGuestBell || pkt.Key != bellKey || pkt.Bell.Addr != bellPage+16 {
		t.Fatalf("bell packet %+v", pkt)
	}

	if st := v.Stats(); st.Bells != 2 || st.Packets != 0 {
		t.Fatalf("bells=%d packets=%d", st.Bells, st.Packets)
	}
}

func TestMsrEmulation(t *testing.T) {
	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	var s1, s2 vmm.GuestRegs
	e.m.Push(v.CPU(),
		sim.Rdmsr(0x277), // IA32_PAT
		snap(&s1, sim.Wrmsr(0xc000_0080, 0xd01)), // IA32_EFER
		sim.Rdmsr(0xc000_0080),
		snap(&s2, checkpoint()),
	)
	mustCheckpoint(t, v)

	// PAT reset value, split across EDX:EAX.
	if s1.Rax != 0x0007_0406 || s1.Rdx != 0x0007_0406 {
		t.Fatalf("PAT = %#x:%#x", s1.Rdx, s1.Rax)
	}
	if s1.Rip != entryPC+2 {
		t.Fatalf("rip = %#x after rdmsr", s1.Rip)
	}

	// The EFER write round-trips through the shadow.
	if s2.Rax != 0xd01 || s2.Rdx != 0 {
		t.Fatalf("EFER = %#x:%#x", s2.Rdx, s2.Rax)
	}
	if s2.Rip != entryPC+6 {
		t.Fatalf("rip = %#x after three msr accesses", s2.Rip)
	}

	if st := v.Stats(); st.Emulated != 3 {
		t.Fatalf("emulated = %d", st.Emulated)
	}
}

func TestMsrUnknownIsFatal(t *testing.T) {
	e := newGuestEnv(t, 1)

	t.Run("rdmsr", func(t *testing.T) {
		v := e.vcpu(t)
		e.m.Push(v.CPU(), sim.Rdmsr(0xc000_0082)) // LSTAR is not shadowed
		if _, err := v.Resume(context.Background()); !errors.Is(err, vmm.ErrNotSupported) {
			t.Fatalf("resume = %v, want ErrNotSupported", err)
		}
	})

	t.Run("wrmsr", func(t *testing.T) {
		v := e.vcpu(t)
		e.m.Push(v.CPU(), sim.Wrmsr(0x1b, 0)) // APIC_BASE is not shadowed
		if _, err := v.Resume(context.Background()); !errors.Is(err, vmm.ErrNotSupported) {
			t.Fatalf("resume = %v, want ErrNotSupported", err)
		}
	})
}

func TestPvclock(t *testing.T) {
	const timePage = ramBase + 0xa000

	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	e.m.Push(v.CPU(),
		sim.Wrmsr(0x4b56_4d01, timePage|1), // MSR_KVM_SYSTEM_TIME_NEW, enable bit set
		checkpoint(),
	)
	mustCheckpoint(t, v)

	ptr, err := e.space.CreateGuestPtr(timePage, 32, "pvclock-check")
	if err != nil {
		t.Fatal(err)
	}
	defer ptr.Close()
	b := ptr.Bytes()

	if ver := binary.LittleEndian.Uint32(b[0:4]); ver == 0 || ver%2 != 0 {
		t.Fatalf("time page version = %d, want even and published", ver)
	}
	if tsc := binary.LittleEndian.Uint64(b[8:16]); tsc == 0 {
		t.Fatal("tsc timestamp not published")
	}
	if st := binary.LittleEndian.Uint64(b[16:24]); st == 0 {
		t.Fatal("system time not published")
	}

	// 1 GHz scales to mul 2^31, shift 1.
	if mul := binary.LittleEndian.Uint32(b[24:28]); mul != 1<<31 {
		t.Fatalf("tsc mul = %#x", mul)
	}
	if shift := int8(b[28]); shift != 1 {
		t.Fatalf("tsc shift = %d", shift)
	}
	if b[29]&1 == 0 {
		t.Fatal("TSC_STABLE flag not set")
	}

	// Clearing the enable bit tears the page down; the guest can rebind
	// later.
	e.m.Push(v.CPU(),
		sim.Wrmsr(0x4b56_4d01, 0),
		checkpoint(),
	)
	mustCheckpoint(t, v)
}

func TestPvclockWallClock(t *testing.T) {
	const wallPage = ramBase + 0xb000

	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	e.m.Push(v.CPU(),
		sim.Wrmsr(0x4b56_4d00, wallPage), // MSR_KVM_WALL_CLOCK_NEW
		checkpoint(),
	)
	mustCheckpoint(t, v)

	ptr, err := e.space.CreateGuestPtr(wallPage, 12, "wallclock-check")
	if err != nil {
		t.Fatal(err)
	}
	defer ptr.Close()
	b := ptr.Bytes()

	if ver := binary.LittleEndian.Uint32(b[0:4]); ver == 0 || ver%2 != 0 {
		t.Fatalf("wall clock version = %d", ver)
	}
	if sec := binary.LittleEndian.Uint32(b[4:8]); sec == 0 {
		t.Fatal("wall clock seconds not published")
	}
}

func TestEptDemandPaging(t *testing.T) {
	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	data := uint64(ramBase + 0x6000)
	e.m.Push(v.CPU(),
		sim.Fault(data),
		checkpoint(),
	)
	mustCheckpoint(t, v)

	if !e.space.Present(data) {
		t.Fatal("faulted page not resident")
	}
	if st := v.Stats(); st.Faults != 1 || st.Packets != 1 {
		t.Fatalf("faults=%d packets=%d", st.Faults, st.Packets)
	}
}

func TestFaultOutsideSpaceIsFatal(t *testing.T) {
	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	e.m.Push(v.CPU(), sim.Fault(0x9000_0000))
	if _, err := v.Resume(context.Background()); !errors.Is(err, vmm.ErrOutOfRange) {
		t.Fatalf("resume = %v, want ErrOutOfRange", err)
	}
}

func TestUnknownExitReasonIsFatal(t *testing.T) {
	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	e.m.Push(v.CPU(), sim.Raw(2, 0, 0)) // triple fault
	if _, err := v.Resume(context.Background()); !errors.Is(err, vmm.ErrNotSupported) {
		t.Fatalf("resume = %v, want ErrNotSupported", err)
	}
}

// Vcpus stripe over the online cpus and enter only on their own.
func TestVcpuPlacement(t *testing.T) {
	e := newGuestEnv(t, 2)
	v1 := e.vcpu(t)
	v2 := e.vcpu(t)

	if v1.CPU() != 0 || v2.CPU() != 1 {
		t.Fatalf("placement %d/%d", v1.CPU(), v2.CPU())
	}

	e.m.Push(0, checkpoint())
	e.m.Push(1, checkpoint())
	mustCheckpoint(t, v1)
	mustCheckpoint(t, v2)

	if e.m.Enters(0) != 1 || e.m.Enters(1) != 1 {
		t.Fatalf("enters %d/%d, want one each", e.m.Enters(0), e.m.Enters(1))
	}
}

func TestStateRoundTrip(t *testing.T) {
	e := newGuestEnv(t, 1)
	v := e.vcpu(t)

	buf := make([]byte, vmm.StateSize(vmm.StateRegisters))
	if err := v.ReadState(vmm.StateRegisters, buf); err != nil {
		t.Fatal(err)
	}

	// Fresh vcpus come up with only the reserved RFLAGS bit set.
	st := (*vmm.VcpuState)(unsafe.Pointer(&buf[0]))
	if st.Rflags != 0x2 {
		t.Fatalf("reset RFLAGS = %#x", st.Rflags)
	}

	st.Rax = 0x1111
	st.R15 = 0x2222
	st.Rsp = 0x3333
	if err := v.WriteState(vmm.StateRegisters, buf); err != nil {
		t.Fatal(err)
	}

	// The written file is what the guest runs with.
	var s vmm.GuestRegs
	e.m.Push(v.CPU(), snap(&s, checkpoint()))
	mustCheckpoint(t, v)
	if s.Rax != 0x1111 || s.R15 != 0x2222 || s.Rsp != 0x3333 {
		t.Fatalf("guest state %#x/%#x/%#x", s.Rax, s.R15, s.Rsp)
	}
}
