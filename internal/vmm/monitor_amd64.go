//go:build linux && amd64

package vmm

// Monitor is the seam between the control plane and privileged VMX
// operation. In the kernel the implementation wraps VMXON/VMXOFF and the
// assembly entry trampoline; the sim package provides a software model with
// the same contract.
//
// EnableCPU and DisableCPU always execute on the CPU they name (the
// extension lifecycle broadcasts them through the percpu executor). Enter
// executes on the vcpu's pinned CPU and blocks until the guest exits.
type Monitor interface {
	// Probe checks the VMX capability once. ErrNotSupported is permanent.
	Probe() error

	// AllocCPUResource allocates the VMXON region for one CPU.
	AllocCPUResource(cpu int) (*CPUResource, error)
	FreeCPUResource(cpu int, res *CPUResource)

	// EnableCPU enters VMX root operation, DisableCPU leaves it.
	EnableCPU(cpu int, res *CPUResource) error
	DisableCPU(cpu int, res *CPUResource) error

	// Kick forces a prompt VM exit on the CPU if a guest is running
	// there. Used by cross-CPU interrupt delivery.
	Kick(cpu int) error

	// Enter performs VM entry with the given control structure and
	// register file and returns the raw exit record. An entry failure
	// (VM instruction error) returns an error wrapping ErrBadState.
	Enter(vmcs *Vmcs, regs *GuestRegs) (Exit, error)

	// ReadTSC and TSCFreq feed pvclock updates.
	ReadTSC() uint64
	TSCFreq() uint64
}

// CPUResource is the per-CPU VMXON region, allocated by the first guest
// and freed when the last one dies.
type CPUResource struct {
	// VmxonPage is the 4KiB VMXON region, revision id at offset 0.
	VmxonPage []byte

	// Phys is its physical address as handed to VMXON.
	Phys uint64
}

// Exit is the raw VM-exit record read back after Enter returns. Field
// sources are the VMCS read-only data fields.
type Exit struct {
	// Reason is the basic exit reason (low 16 bits of the exit-reason
	// field).
	Reason uint32

	// Qualification is the exit-qualification field; meaning depends on
	// Reason.
	Qualification uint64

	// GuestPhysical is valid for EPT violations.
	GuestPhysical uint64

	// InstLen is the VM-exit instruction length, used to advance RIP
	// past emulated instructions.
	InstLen uint8

	// Inst holds the first InstLen bytes of the exiting instruction,
	// captured by the trampoline for EPT violations so MMIO accesses
	// decode without a guest page-table walk.
	Inst [15]byte
}

// Basic exit reasons handled by the dispatcher (Intel SDM Vol 3,
// Appendix C).
const (
	exitReasonExternalInterrupt uint32 = 1
	exitReasonInterruptWindow   uint32 = 7
	exitReasonHlt               uint32 = 12
	exitReasonVmcall            uint32 = 18
	exitReasonIoInstruction     uint32 = 30
	exitReasonRdmsr             uint32 = 31
	exitReasonWrmsr             uint32 = 32
	exitReasonEptViolation      uint32 = 48
)

func exitReasonString(reason uint32) string {
	switch reason {
	case exitReasonExternalInterrupt:
		return "external-interrupt"
	case exitReasonInterruptWindow:
		return "interrupt-window"
	case exitReasonHlt:
		return "hlt"
	case exitReasonVmcall:
		return "vmcall"
	case exitReasonIoInstruction:
		return "io"
	case exitReasonRdmsr:
		return "rdmsr"
	case exitReasonWrmsr:
		return "wrmsr"
	case exitReasonEptViolation:
		return "ept-violation"
	default:
		return "unknown"
	}
}
