//go:build linux && amd64

package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/osmium-kernel/hyp/internal/percpu"
	"github.com/osmium-kernel/hyp/internal/vmm"
)

// VmcsRevision is the revision id the simulated hardware reports.
const VmcsRevision = 0x5101

// Config shapes a Machine. The zero value is a usable single-CPU machine.
type Config struct {
	// CPUs is the simulated CPU count, default 1.
	CPUs int

	// TscFreq is the timestamp-counter frequency in Hz, default 1 GHz.
	TscFreq uint64

	// TscStep advances the counter per VM entry, default 4096 ticks.
	TscStep uint64

	// NoCapability makes Probe fail permanently, modeling hardware
	// without VMX.
	NoCapability bool

	// FailEnable lists CPUs whose EnableCPU fails, for rollback paths.
	FailEnable []int
}

func (c *Config) normalize() {
	if c.CPUs < 1 {
		c.CPUs = 1
	}
	if c.CPUs > percpu.MaxCPUs {
		c.CPUs = percpu.MaxCPUs
	}
	if c.TscFreq == 0 {
		c.TscFreq = 1_000_000_000
	}
	if c.TscStep == 0 {
		c.TscStep = 4096
	}
}

// Event is one scripted guest step: it mutates guest state as the modeled
// code would and returns the exit the trampoline reports.
type Event func(c *CPU) (vmm.Exit, error)

// CPU is the execution context handed to an event.
type CPU struct {
	// ID is the physical CPU the enter happened on.
	ID int

	// Vmcs is the entering vcpu's control structure.
	Vmcs *vmm.Vmcs

	// Regs is the entering vcpu's register file.
	Regs *vmm.GuestRegs

	m *Machine
}

// Machine is the simulated hardware. It serves the Monitor contract for
// the control plane and the Executor contract for CPU placement, keyed by
// thread identity so Enter resolves the CPU a pinned thread runs on.
type Machine struct {
	cfg Config

	mu        sync.Mutex
	cpus      map[int]*cpuSlot
	tids      map[int]int
	delivered []uint32

	tsc   atomic.Uint64
	kicks atomic.Uint64
}

type cpuSlot struct {
	enabled bool
	queue   []Event
	kick    chan struct{}
	enters  uint64
}

var (
	_ vmm.Monitor     = (*Machine)(nil)
	_ percpu.Executor = (*Machine)(nil)
)

// VM-entry interruption information and RFLAGS bits, as the hardware
// defines them.
const (
	entryInfoValid      = 1 << 31
	entryInfoVectorMask = 0xff

	rflagsIF = 1 << 9

	procWindowExiting = 1 << 2
)

func New(cfg Config) *Machine {
	cfg.normalize()
	return &Machine{
		cfg:  cfg,
		cpus: make(map[int]*cpuSlot),
		tids: make(map[int]int),
	}
}

func (m *Machine) slot(cpu int) *cpuSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slotLocked(cpu)
}

func (m *Machine) slotLocked(cpu int) *cpuSlot {
	s := m.cpus[cpu]
	if s == nil {
		s = &cpuSlot{kick: make(chan struct{}, 1)}
		m.cpus[cpu] = s
	}
	return s
}

// current resolves the CPU bound to the calling thread, CPU 0 for threads
// that never pinned.
func (m *Machine) current() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tids[unix.Gettid()]
}

// Push queues scripted guest steps on a CPU, consumed in order by Enter.
func (m *Machine) Push(cpu int, events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slotLocked(cpu)
	s.queue = append(s.queue, events...)
}

// Executor contract.

func (m *Machine) NumCPU() int { return m.cfg.CPUs }

func (m *Machine) Pin(cpu int) error {
	if cpu < 0 || cpu >= m.cfg.CPUs {
		return fmt.Errorf("sim: pin: no such cpu %d", cpu)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tids[unix.Gettid()] = cpu
	return nil
}

func (m *Machine) On(ctx context.Context, cpu int, task func(cpu int) error) error {
	if cpu < 0 || cpu >= m.cfg.CPUs {
		return fmt.Errorf("sim: no such cpu %d", cpu)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return task(cpu)
}

func (m *Machine) Broadcast(ctx context.Context, task func(cpu int) error) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var (
		mask uint64
		errs []error
	)
	for cpu := 0; cpu < m.cfg.CPUs; cpu++ {
		if err := task(cpu); err != nil {
			errs = append(errs, fmt.Errorf("cpu %d: %w", cpu, err))
			continue
		}
		mask |= uint64(1) << cpu
	}

	if len(errs) > 0 {
		return mask, fmt.Errorf("sim: broadcast: %w", errs[0])
	}
	return mask, nil
}

// Monitor contract.

func (m *Machine) Probe() error {
	if m.cfg.NoCapability {
		return fmt.Errorf("sim: no VMX: %w", vmm.ErrNotSupported)
	}
	return nil
}

func (m *Machine) AllocCPUResource(cpu int) (*vmm.CPUResource, error) {
	page := make([]byte, 4096)
	binary.LittleEndian.PutUint32(page, VmcsRevision)
	return &vmm.CPUResource{
		VmxonPage: page,
		Phys:      0xf000_0000 + uint64(cpu)*0x1000,
	}, nil
}

func (m *Machine) FreeCPUResource(cpu int, res *vmm.CPUResource) {}

func (m *Machine) EnableCPU(cpu int, res *vmm.CPUResource) error {
	if slices.Contains(m.cfg.FailEnable, cpu) {
		return fmt.Errorf("sim: enable cpu %d: %w", cpu, vmm.ErrNotSupported)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.slotLocked(cpu)
	if s.enabled {
		return fmt.Errorf("sim: cpu %d already enabled: %w", cpu, vmm.ErrBadState)
	}
	s.enabled = true
	return nil
}

func (m *Machine) DisableCPU(cpu int, res *vmm.CPUResource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.slotLocked(cpu)
	if !s.enabled {
		return fmt.Errorf("sim: cpu %d not enabled: %w", cpu, vmm.ErrBadState)
	}
	s.enabled = false
	return nil
}

func (m *Machine) Kick(cpu int) error {
	if cpu < 0 || cpu >= m.cfg.CPUs {
		return fmt.Errorf("sim: kick: no such cpu %d", cpu)
	}
	m.kicks.Add(1)
	select {
	case m.slot(cpu).kick <- struct{}{}:
	default:
	}
	return nil
}

func (m *Machine) Enter(vmcs *vmm.Vmcs, regs *vmm.GuestRegs) (vmm.Exit, error) {
	cpu := m.current()

	m.mu.Lock()
	s := m.slotLocked(cpu)
	if !s.enabled {
		m.mu.Unlock()
		return vmm.Exit{}, fmt.Errorf("sim: enter on disabled cpu %d: %w", cpu, vmm.ErrBadState)
	}
	s.enters++
	m.mu.Unlock()

	vmcs.SetRevision(VmcsRevision)
	m.tsc.Add(m.cfg.TscStep)

	// Deliver a pending injection; hardware clears the valid bit once the
	// event reaches the guest.
	if info := vmcs.Read(vmm.VmcsEntryInterruptionInfo); info&entryInfoValid != 0 {
		m.mu.Lock()
		m.delivered = append(m.delivered, uint32(info&entryInfoVectorMask))
		m.mu.Unlock()
		vmcs.Write(vmm.VmcsEntryInterruptionInfo, 0)
	}

	// An armed interrupt window fires before any guest progress once
	// RFLAGS.IF opens.
	if vmcs.Read(vmm.VmcsProcControls)&procWindowExiting != 0 && regs.Rflags&rflagsIF != 0 {
		return vmm.Exit{Reason: 7}, nil
	}

	m.mu.Lock()
	var ev Event
	if len(s.queue) > 0 {
		ev = s.queue[0]
		s.queue = s.queue[1:]
	}
	m.mu.Unlock()

	if ev == nil {
		// The modeled guest is spinning; only a kick ends the stay.
		<-s.kick
		return vmm.Exit{Reason: 1}, nil
	}

	return ev(&CPU{ID: cpu, Vmcs: vmcs, Regs: regs, m: m})
}

func (m *Machine) ReadTSC() uint64 { return m.tsc.Load() }
func (m *Machine) TSCFreq() uint64 { return m.cfg.TscFreq }

// AdvanceTSC moves the timestamp counter forward.
func (m *Machine) AdvanceTSC(ticks uint64) { m.tsc.Add(ticks) }

// Inspection for tests.

func (m *Machine) Enabled(cpu int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.cpus[cpu]
	return s != nil && s.enabled
}

func (m *Machine) EnabledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.cpus {
		if s.enabled {
			n++
		}
	}
	return n
}

func (m *Machine) Kicks() uint64 { return m.kicks.Load() }

func (m *Machine) Enters(cpu int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.cpus[cpu]
	if s == nil {
		return 0
	}
	return s.enters
}

// Delivered returns the interrupt vectors injected into the modeled guest.
func (m *Machine) Delivered() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.delivered)
}

// Scripted guest steps.

// Hlt halts until an interrupt.
func Hlt() Event {
	return func(c *CPU) (vmm.Exit, error) {
		return vmm.Exit{Reason: 12, InstLen: 1}, nil
	}
}

// Vmcall issues a hypercall with RAX preloaded by the caller or a prior
// event.
func Vmcall() Event {
	return func(c *CPU) (vmm.Exit, error) {
		return vmm.Exit{Reason: 18, InstLen: 3}, nil
	}
}

// Rdmsr reads the model-specific register msr.
func Rdmsr(msr uint32) Event {
	return func(c *CPU) (vmm.Exit, error) {
		c.Regs.Rcx = uint64(msr)
		return vmm.Exit{Reason: 31, InstLen: 2}, nil
	}
}

// Wrmsr writes val to the model-specific register msr.
func Wrmsr(msr uint32, val uint64) Event {
	return func(c *CPU) (vmm.Exit, error) {
		c.Regs.Rcx = uint64(msr)
		c.Regs.Rax = val & 0xffffffff
		c.Regs.Rdx = val >> 32
		return vmm.Exit{Reason: 32, InstLen: 2}, nil
	}
}

func ioExit(port uint16, width int, in bool) vmm.Exit {
	qual := uint64(width-1) | uint64(port)<<16
	if in {
		qual |= 1 << 3
	}
	return vmm.Exit{Reason: 30, Qualification: qual, InstLen: 1}
}

// In reads width bytes from the port.
func In(port uint16, width int) Event {
	return func(c *CPU) (vmm.Exit, error) {
		return ioExit(port, width, true), nil
	}
}

// Out writes value to the port.
func Out(port uint16, width int, value uint32) Event {
	return func(c *CPU) (vmm.Exit, error) {
		c.Regs.Rax = uint64(value)
		return ioExit(port, width, false), nil
	}
}

func eptExit(gpa uint64, inst []byte, write bool) vmm.Exit {
	e := vmm.Exit{
		Reason:        48,
		Qualification: 1,
		GuestPhysical: gpa,
		InstLen:       uint8(len(inst)),
	}
	if write {
		e.Qualification = 2
	}
	copy(e.Inst[:], inst)
	return e
}

// Load faults a width-byte MOV load into register reg at gpa, with
// optional sign extension.
func Load(gpa uint64, width, reg int, sign bool) Event {
	return func(c *CPU) (vmm.Exit, error) {
		return eptExit(gpa, encodeLoad(width, reg, sign), false), nil
	}
}

// Store faults a width-byte MOV store of register reg at gpa.
func Store(gpa uint64, width, reg int) Event {
	return func(c *CPU) (vmm.Exit, error) {
		return eptExit(gpa, encodeStore(width, reg), true), nil
	}
}

// StoreImm faults a width-byte MOV store of an immediate at gpa.
func StoreImm(gpa uint64, width int, imm uint32) Event {
	return func(c *CPU) (vmm.Exit, error) {
		return eptExit(gpa, encodeStoreImm(width, imm), true), nil
	}
}

// Fault touches unmapped memory at gpa; the access never needs decoding
// because demand paging resolves it before emulation.
func Fault(gpa uint64) Event {
	return func(c *CPU) (vmm.Exit, error) {
		return eptExit(gpa, encodeLoad(4, 0, false), false), nil
	}
}

// Raw returns a verbatim exit record.
func Raw(reason uint32, qual, gpa uint64) Event {
	return func(c *CPU) (vmm.Exit, error) {
		return vmm.Exit{Reason: reason, Qualification: qual, GuestPhysical: gpa}, nil
	}
}

// The encoders build the shortest MOV form addressing through [RAX]
// (mod=00, rm=000), which is what the decoder sees from real guests most
// of the time.

func encodeMov(opsize bool, rex byte, op []byte, reg int, imm []byte) []byte {
	var b []byte
	if opsize {
		b = append(b, 0x66)
	}
	if reg >= 8 {
		rex |= 0x44
	}
	if rex != 0 {
		b = append(b, rex)
	}
	b = append(b, op...)
	b = append(b, byte(reg&7)<<3)
	return append(b, imm...)
}

func encodeLoad(width, reg int, sign bool) []byte {
	switch {
	case width == 1 && sign:
		return encodeMov(false, 0, []byte{0x0f, 0xbe}, reg, nil)
	case width == 1:
		return encodeMov(false, 0, []byte{0x8a}, reg, nil)
	case width == 2 && sign:
		return encodeMov(false, 0, []byte{0x0f, 0xbf}, reg, nil)
	case width == 2:
		return encodeMov(true, 0, []byte{0x8b}, reg, nil)
	case width == 8:
		return encodeMov(false, 0x48, []byte{0x8b}, reg, nil)
	default:
		return encodeMov(false, 0, []byte{0x8b}, reg, nil)
	}
}

func encodeStore(width, reg int) []byte {
	switch width {
	case 1:
		return encodeMov(false, 0, []byte{0x88}, reg, nil)
	case 2:
		return encodeMov(true, 0, []byte{0x89}, reg, nil)
	case 8:
		return encodeMov(false, 0x48, []byte{0x89}, reg, nil)
	default:
		return encodeMov(false, 0, []byte{0x89}, reg, nil)
	}
}

func encodeStoreImm(width int, imm uint32) []byte {
	switch width {
	case 1:
		return encodeMov(false, 0, []byte{0xc6}, 0, []byte{byte(imm)})
	case 2:
		return encodeMov(true, 0, []byte{0xc7}, 0, binary.LittleEndian.AppendUint16(nil, uint16(imm)))
	case 8:
		return encodeMov(false, 0x48, []byte{0xc7}, 0, binary.LittleEndian.AppendUint32(nil, imm))
	default:
		return encodeMov(false, 0, []byte{0xc7}, 0, binary.LittleEndian.AppendUint32(nil, imm))
	}
}
