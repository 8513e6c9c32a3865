// Package hyp is the kernel's virtual-machine control plane: guest
// lifecycle, per virtual CPU execution and VM-exit handling, trap routing,
// and the virtual interrupt-controller context carried across world
// switches. It compiles per GOARCH into an Intel VMX (amd64) or ARMv8 EL2
// (arm64) variant.
//
// Hardware access is confined behind the Monitor interface; the kernel
// supplies the privileged implementation, while the bundled software model
// lets the whole control plane run and test in userspace.
package hyp

import (
	"io"
	"time"

	"github.com/osmium-kernel/hyp/internal/exittrace"
	"github.com/osmium-kernel/hyp/internal/gpas"
	"github.com/osmium-kernel/hyp/internal/percpu"
	"github.com/osmium-kernel/hyp/internal/vmm"
)

// System owns the virtualization-extension lifecycle shared by all guests.
type System = vmm.System

// Guest is one virtual machine: an address space plus its traps and vcpus.
type Guest = vmm.Guest

// Vcpu is one virtual CPU, bound to a dedicated pinned OS thread.
type Vcpu = vmm.Vcpu

// Packet is the unit of the VM-exit protocol.
type Packet = vmm.Packet

// PacketKind discriminates the payload of a Packet.
type PacketKind = vmm.PacketKind

// MemAccess is one decoded guest memory access awaiting emulation.
type MemAccess = vmm.MemAccess

// IOAccess is one x86 port-IO access awaiting emulation.
type IOAccess = vmm.IOAccess

// BellEvent records the faulting address of a bell trap hit.
type BellEvent = vmm.BellEvent

// VcpuEvent carries a secondary-CPU startup request.
type VcpuEvent = vmm.VcpuEvent

// TrapKind classifies a guest trap range.
type TrapKind = vmm.TrapKind

// StateKind selects a fixed-size vcpu state blob.
type StateKind = vmm.StateKind

// VcpuState is the StateRegisters blob layout.
type VcpuState = vmm.VcpuState

// InterruptKind says how a posted vector is backed.
type InterruptKind = vmm.InterruptKind

// Stats is a snapshot of one vcpu's counters.
type Stats = vmm.Stats

// Monitor is the seam behind which the privileged entry/exit trampolines
// live.
type Monitor = vmm.Monitor

// AddressSpace is the guest-physical address space collaborator.
type AddressSpace = vmm.AddressSpace

// GuestPtr is a pinned host-addressable view of guest physical memory.
type GuestPtr = vmm.GuestPtr

// Port receives guest packets in FIFO order.
type Port = vmm.Port

// Executor runs tasks on specific physical CPUs.
type Executor = percpu.Executor

// Trace is a binary world-switch trace log.
type Trace = exittrace.Log

// HostAddressSpace backs guest memory with anonymous host mappings.
type HostAddressSpace = gpas.Space

// HostExecutor pins one worker thread per online CPU.
type HostExecutor = percpu.Host

const (
	PacketGuestBell = vmm.PacketGuestBell
	PacketGuestMem  = vmm.PacketGuestMem
	PacketGuestIO   = vmm.PacketGuestIO
	PacketGuestVcpu = vmm.PacketGuestVcpu

	TrapMem  = vmm.TrapMem
	TrapBell = vmm.TrapBell
	TrapIO   = vmm.TrapIO

	StateRegisters = vmm.StateRegisters

	InterruptVirtual  = vmm.InterruptVirtual
	InterruptPhysical = vmm.InterruptPhysical

	DefaultMaxVcpus = vmm.DefaultMaxVcpus
)

// Common sentinel errors. Match with errors.Is.
var (
	ErrNotSupported  = vmm.ErrNotSupported
	ErrInvalidArgs   = vmm.ErrInvalidArgs
	ErrOutOfRange    = vmm.ErrOutOfRange
	ErrAlreadyExists = vmm.ErrAlreadyExists
	ErrBadState      = vmm.ErrBadState
	ErrNoResources   = vmm.ErrNoResources
	ErrNotFound      = vmm.ErrNotFound
	ErrPortFull      = vmm.ErrPortFull
)

// Option configures NewSystem.
type Option func(*vmm.Config)

// WithMonitor sets the privileged hardware seam. Required.
func WithMonitor(m Monitor) Option {
	return func(c *vmm.Config) { c.Monitor = m }
}

// WithExecutor sets the per-CPU executor. Required.
func WithExecutor(e Executor) Option {
	return func(c *vmm.Config) { c.Executor = e }
}

// WithMaxVcpus bounds per-guest VPID allocation.
func WithMaxVcpus(n uint32) Option {
	return func(c *vmm.Config) { c.MaxVcpus = n }
}

// WithTrace records one entry per world switch into t.
func WithTrace(t *Trace) Option {
	return func(c *vmm.Config) { c.Trace = t }
}

// NewSystem assembles a control plane. The virtualization extension stays
// off until the first guest is created.
func NewSystem(opts ...Option) (*System, error) {
	var cfg vmm.Config
	for _, opt := range opts {
		opt(&cfg)
	}
	return vmm.NewSystem(cfg)
}

// NewHostAddressSpace backs [base, base+size) with anonymous host memory,
// populated page by page on demand faults.
func NewHostAddressSpace(base, size uint64) (*HostAddressSpace, error) {
	return gpas.New(base, size)
}

// NewHostExecutor pins one worker per online CPU. The caller owns its
// lifetime.
func NewHostExecutor() *HostExecutor {
	return percpu.NewHost()
}

// NewTrace starts a world-switch trace writing to w, with this
// architecture's exit classes in the preamble.
func NewTrace(w io.Writer) (*Trace, error) {
	return exittrace.Create(w, vmm.TraceClasses())
}

// ReadTrace replays a trace, calling fn per record with the class name
// resolved against the preamble table.
func ReadTrace(r io.Reader, fn func(vcpu uint32, class string, duration time.Duration) error) error {
	return exittrace.ReadAll(r, fn)
}

// StateSize returns the byte length of a state blob, 0 for unknown kinds.
func StateSize(kind StateKind) int {
	return vmm.StateSize(kind)
}
