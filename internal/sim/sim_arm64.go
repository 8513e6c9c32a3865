//go:build linux && arm64

package sim

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/osmium-kernel/hyp/internal/percpu"
	"github.com/osmium-kernel/hyp/internal/vmm"
)

// Config shapes a Machine. The zero value is a usable single-CPU machine.
type Config struct {
	// CPUs is the simulated CPU count, default 1.
	CPUs int

	// ListRegisters sizes each virtual interface bank, 1..64, default 4.
	ListRegisters int

	// TimerFreq is the virtual counter frequency in Hz, default 62.5 MHz.
	TimerFreq uint64

	// NoCapability makes Probe fail permanently, modeling hardware
	// without EL2.
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
	if c.ListRegisters < 1 || c.ListRegisters > 64 {
		c.ListRegisters = 4
	}
	if c.TimerFreq == 0 {
		c.TimerFreq = 62_500_000
	}
}

// Event is one scripted guest step: it mutates guest state as the modeled
// code would and returns the exit the trampoline reports.
type Event func(c *CPU) (vmm.Exit, error)

// CPU is the execution context handed to an event.
type CPU struct {
	// ID is the physical CPU the enter happened on.
	ID int

	// State is the register file of the entering vcpu.
	State *vmm.El2State

	// Bank is this CPU's virtual interface bank, as the guard programmed
	// it for this resume.
	Bank *vmm.GichBank

	// Vttbr is the stage-2 root as passed to Enter.
	Vttbr uint64

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
	actives   []uint32
	deactives []uint32
	cleans    []uint64

	ticks atomic.Uint64
	kicks atomic.Uint64
}

type cpuSlot struct {
	enabled bool
	bank    vmm.GichBank
	queue   []Event
	kick    chan struct{}
	enters  uint64
}

var (
	_ vmm.Monitor     = (*Machine)(nil)
	_ percpu.Executor = (*Machine)(nil)
)

// List-register and syndrome encodings, as the hardware defines them.
const (
	lrVirtualIDMask = 0x3ff
	lrPhysIDShift   = 10
	lrPending       = 1 << 28
	lrActive        = 1 << 29
	lrGroup1        = 1 << 30
	lrHardware      = 1 << 31

	esrIL = 1 << 25

	// Translation fault, level 3.
	fscTranslation = 0x7
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
		s.bank.Vtr = uint32(m.cfg.ListRegisters - 1)
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
		return fmt.Errorf("sim: no EL2: %w", vmm.ErrNotSupported)
	}
	return nil
}

func (m *Machine) AllocCPUResource(cpu int) (*vmm.CPUResource, error) {
	base := 0xf000_0000 + uint64(cpu)*0x10000
	return &vmm.CPUResource{
		Stack:     make([]byte, 16<<10),
		Phys:      base,
		TablePhys: base + 0x8000,
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

func (m *Machine) Enter(st *vmm.El2State, vttbr uint64) (vmm.Exit, error) {
	cpu := m.current()

	m.mu.Lock()
	s := m.slotLocked(cpu)
	if !s.enabled {
		m.mu.Unlock()
		return vmm.Exit{}, fmt.Errorf("sim: enter on disabled cpu %d: %w", cpu, vmm.ErrBadState)
	}
	s.enters++
	var ev Event
	if len(s.queue) > 0 {
		ev = s.queue[0]
		s.queue = s.queue[1:]
	}
	m.mu.Unlock()

	nlr := int(s.bank.Vtr&0x3f) + 1

	if ev == nil {
		// The modeled guest is spinning; only a kick ends the stay.
		<-s.kick
		syncElrsr(&s.bank, nlr)
		return vmm.Exit{}, nil
	}

	exit, err := ev(&CPU{ID: cpu, State: st, Bank: &s.bank, Vttbr: vttbr, m: m})
	syncElrsr(&s.bank, nlr)
	return exit, err
}

// syncElrsr derives the empty-list-register status the hardware maintains
// continuously: a register is free when it carries neither a pending nor an
// active interrupt.
func syncElrsr(bank *vmm.GichBank, nlr int) {
	var empty uint64
	for i := 0; i < nlr; i++ {
		if bank.Lr[i]&(lrPending|lrActive) == 0 {
			empty |= 1 << uint(i)
		}
	}
	bank.Elrsr0 = uint32(empty)
	bank.Elrsr1 = uint32(empty >> 32)
}

func (m *Machine) GICH(cpu int) *vmm.GichBank {
	return &m.slot(cpu).bank
}

func (m *Machine) SetActive(irq uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actives = append(m.actives, irq)
	return nil
}

func (m *Machine) CacheCleanTables(phys uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleans = append(m.cleans, phys)
}

func (m *Machine) Now() uint64       { return m.ticks.Load() }
func (m *Machine) TimerFreq() uint64 { return m.cfg.TimerFreq }

// AdvanceTimer moves the virtual counter forward.
func (m *Machine) AdvanceTimer(ticks uint64) { m.ticks.Add(ticks) }

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

// Actives returns the physical interrupts marked active at the distributor.
func (m *Machine) Actives() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.actives)
}

// Deactivations returns the hardware interrupts the modeled guest EOI'd.
func (m *Machine) Deactivations() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.deactives)
}

// CacheCleans returns the table roots cleaned so far.
func (m *Machine) CacheCleans() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.cleans)
}

// Ack consumes every pending list register the way a guest interrupt
// handler would: take, handle, EOI. Hardware-backed entries deactivate the
// physical interrupt. Returns the virtual IDs taken.
func (c *CPU) Ack() []uint32 {
	nlr := int(c.Bank.Vtr&0x3f) + 1

	var taken []uint32
	for i := 0; i < nlr; i++ {
		lr := c.Bank.Lr[i]
		if lr&lrPending == 0 {
			continue
		}
		taken = append(taken, lr&lrVirtualIDMask)
		if lr&lrHardware != 0 {
			c.m.mu.Lock()
			c.m.deactives = append(c.m.deactives, lr>>lrPhysIDShift&lrVirtualIDMask)
			c.m.mu.Unlock()
		}
		c.Bank.Lr[i] = 0
	}
	return taken
}

// Scripted guest steps.

// WFI waits for interrupt.
func WFI() Event {
	return func(c *CPU) (vmm.Exit, error) {
		return vmm.Exit{Esr: 0b000001<<26 | esrIL}, nil
	}
}

// WFE waits for event; the control plane treats it like WFI.
func WFE() Event {
	return func(c *CPU) (vmm.Exit, error) {
		return vmm.Exit{Esr: 0b000001<<26 | esrIL | 1}, nil
	}
}

// HVC issues a hypervisor call with X0=fn and X1.. holding args.
func HVC(fn uint64, args ...uint64) Event {
	return func(c *CPU) (vmm.Exit, error) {
		x := &c.State.Guest
		x.X[0] = fn
		for i, a := range args {
			x.X[1+i] = a
		}
		// ELR already points past the HVC instruction.
		x.Pc += 4
		return vmm.Exit{Esr: 0b010110<<26 | esrIL}, nil
	}
}

// SMC issues a secure monitor call with X0=fn and X1.. holding args.
func SMC(fn uint64, args ...uint64) Event {
	return func(c *CPU) (vmm.Exit, error) {
		x := &c.State.Guest
		x.X[0] = fn
		for i, a := range args {
			x.X[1+i] = a
		}
		return vmm.Exit{Esr: 0b010111<<26 | esrIL}, nil
	}
}

func sysRegEsr(op0, op1, crn, crm, op2, rt uint32, read bool) uint32 {
	esr := 0b011000<<26 | esrIL |
		op0<<20 | op2<<17 | op1<<14 | crn<<10 | rt<<5 | crm<<1
	if read {
		esr |= 1
	}
	return esr
}

// SysRead traps an MRS of the named register into Xrt.
func SysRead(op0, op1, crn, crm, op2, rt uint32) Event {
	return func(c *CPU) (vmm.Exit, error) {
		return vmm.Exit{Esr: sysRegEsr(op0, op1, crn, crm, op2, rt, true)}, nil
	}
}

// SysWrite traps an MSR of Xrt to the named register. The test sets Xrt
// beforehand or chains a register write in a custom event.
func SysWrite(op0, op1, crn, crm, op2, rt uint32) Event {
	return func(c *CPU) (vmm.Exit, error) {
		return vmm.Exit{Esr: sysRegEsr(op0, op1, crn, crm, op2, rt, false)}, nil
	}
}

func faultExit(class uint32, iss uint32, gpa uint64) vmm.Exit {
	return vmm.Exit{
		Esr:   class<<26 | esrIL | iss,
		Far:   gpa,
		Hpfar: gpa >> 12 << 4,
	}
}

// InstructionAbort faults an instruction fetch at gpa.
func InstructionAbort(gpa uint64) Event {
	return func(c *CPU) (vmm.Exit, error) {
		return faultExit(0b100000, fscTranslation, gpa), nil
	}
}

const (
	dabtISV = 1 << 24
	dabtSSE = 1 << 21
	dabtSF  = 1 << 15
	dabtWnR = 1 << 6
)

func sasOf(width int) uint32 {
	switch width {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	default:
		return 3
	}
}

// Load faults a width-byte load into Xrt at gpa, with optional sign
// extension.
func Load(gpa uint64, width, rt int, sign bool) Event {
	return func(c *CPU) (vmm.Exit, error) {
		iss := uint32(dabtISV|dabtSF|fscTranslation) |
			sasOf(width)<<22 | uint32(rt)<<16
		if sign {
			iss |= dabtSSE
		}
		return faultExit(0b100100, iss, gpa), nil
	}
}

// Store faults a width-byte store of Xrt at gpa.
func Store(gpa uint64, width, rt int) Event {
	return func(c *CPU) (vmm.Exit, error) {
		iss := uint32(dabtISV|dabtSF|dabtWnR|fscTranslation) |
			sasOf(width)<<22 | uint32(rt)<<16
		return faultExit(0b100100, iss, gpa), nil
	}
}

// UndecodedAccess faults at gpa without a syndrome, as load/store-pair
// instructions do.
func UndecodedAccess(gpa uint64) Event {
	return func(c *CPU) (vmm.Exit, error) {
		return faultExit(0b100100, fscTranslation, gpa), nil
	}
}

// Raw returns a verbatim exit record.
func Raw(esr uint32, far, hpfar uint64) Event {
	return func(c *CPU) (vmm.Exit, error) {
		return vmm.Exit{Esr: esr, Far: far, Hpfar: hpfar}, nil
	}
}
