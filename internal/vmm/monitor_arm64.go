//go:build linux && arm64

package vmm

// Monitor is the seam between the control plane and privileged EL2
// operation. In the kernel the implementation wraps the EL2 vector install
// and the assembly world-switch trampoline; the sim package provides a
// software model with the same contract.
//
// EnableCPU and DisableCPU always execute on the CPU they name. Enter
// executes on the vcpu's pinned CPU and blocks until the guest exits.
type Monitor interface {
	// Probe checks EL2 availability once. ErrNotSupported is permanent.
	Probe() error

	// AllocCPUResource allocates the EL2 exception stack for one CPU.
	AllocCPUResource(cpu int) (*CPUResource, error)
	FreeCPUResource(cpu int, res *CPUResource)

	// EnableCPU installs the EL2 vectors and translation state,
	// DisableCPU tears them down.
	EnableCPU(cpu int, res *CPUResource) error
	DisableCPU(cpu int, res *CPUResource) error

	// Kick forces a prompt VM exit on the CPU if a guest is running
	// there. Used by cross-CPU interrupt delivery.
	Kick(cpu int) error

	// Enter runs the guest described by st under the stage-2 root in
	// vttbr (VMID in bits [55:48]) and returns the raw exit syndrome.
	// Entry failures return an error wrapping ErrBadState.
	Enter(st *El2State, vttbr uint64) (Exit, error)

	// GICH exposes the hypervisor interrupt-control bank of the given
	// CPU. The vGIC guard loads and stores it around every entry.
	GICH(cpu int) *GichBank

	// SetActive marks a hardware-backed interrupt active on the physical
	// distributor, keeping host and guest state consistent while a list
	// register carries it.
	SetActive(irq uint32) error

	// CacheCleanTables cleans/invalidates the guest translation tables
	// rooted at phys after the guest turns its MMU on.
	CacheCleanTables(phys uint64)

	// Now and TimerFreq read the virtual counter (CNTVCT) and its
	// frequency (CNTFRQ) for WFI deadline computation.
	Now() uint64
	TimerFreq() uint64
}

// CPUResource is the per-CPU EL2 state, allocated by the first guest and
// freed when the last one dies.
type CPUResource struct {
	// Stack backs EL2 exception entry on this CPU.
	Stack []byte

	// Phys is its physical base as installed in the EL2 stack pointer.
	Phys uint64

	// TablePhys roots the identity-mapped EL2 translation table that
	// lets the trampoline run with the MMU on.
	TablePhys uint64
}

// Exit is the raw syndrome captured by the world-switch trampoline when
// the guest traps to EL2.
type Exit struct {
	// Esr is ESR_EL2, or zero when the exit was asynchronous (host
	// interrupt or kick) and no syndrome exists.
	Esr uint32

	// Far is FAR_EL2, the faulting virtual address.
	Far uint64

	// Hpfar is HPFAR_EL2; bits [39:4] hold IPA bits [47:12].
	Hpfar uint64
}

// GuestPhysical recovers the faulting IPA from HPFAR_EL2 plus the page
// offset from FAR_EL2.
func (e Exit) GuestPhysical() uint64 {
	return (e.Hpfar>>4)<<12 | e.Far&0xfff
}

// ESR_EL2 exception classes handled by the dispatcher (ARM DDI 0487,
// D17.2.37).
const (
	ecWfx              uint32 = 0b000001
	ecHvc64            uint32 = 0b010110
	ecSmc64            uint32 = 0b010111
	ecSystemRegister   uint32 = 0b011000
	ecInstructionAbort uint32 = 0b100000
	ecDataAbort        uint32 = 0b100100
)

func esrClass(esr uint32) uint32 { return esr >> 26 }
func esrIss(esr uint32) uint32   { return esr & 0x1ffffff }

func esrClassString(ec uint32) string {
	switch ec {
	case ecWfx:
		return "wfx"
	case ecHvc64:
		return "hvc"
	case ecSmc64:
		return "smc"
	case ecSystemRegister:
		return "sysreg"
	case ecInstructionAbort:
		return "instruction-abort"
	case ecDataAbort:
		return "data-abort"
	default:
		return "unknown"
	}
}
