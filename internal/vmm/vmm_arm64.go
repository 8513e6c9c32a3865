//go:build linux && arm64

package vmm

import "fmt"

// hasPortIO: no port-IO address space on this architecture.
const hasPortIO = false

// maxVmids is the 8-bit stage-2 VMID space, id 0 reserved for the host.
const maxVmids = 255

// SCTLR_EL1 reset: RES1 bits only, MMU and caches off.
const sctlrEl1Reset = 0x30d00800

// archSystem owns the VMID pool shared by all guests.
type archSystem struct {
	vmids *idAllocator
}

func (a *archSystem) init() error {
	vmids, err := newIDAllocator(maxVmids)
	if err != nil {
		return fmt.Errorf("hyp: vmid pool: %w", err)
	}
	a.vmids = vmids
	return nil
}

// archGuest is the per-guest arm64 state: the stage-2 VMID and the VTTBR
// value combining it with the guest's translation table root.
type archGuest struct {
	vmid  uint32
	vttbr uint64
}

func (a *archGuest) init(s *System, g *Guest) error {
	vmid, err := s.arch.vmids.alloc()
	if err != nil {
		return fmt.Errorf("vmid: %w", err)
	}
	a.vmid = vmid
	a.vttbr = vttbr(vmid, g.as.ArchTablePhys())
	return nil
}

func (a *archGuest) destroy(s *System) {
	if err := s.arch.vmids.free(a.vmid); err != nil {
		panic(fmt.Sprintf("hyp: free vmid %d: %v", a.vmid, err))
	}
}

// VMID returns the guest's stage-2 VMID.
func (g *Guest) VMID() uint32 { return g.arch.vmid }

// archVcpu is the per-vcpu arm64 state: the EL2 state page the trampoline
// context-switches.
type archVcpu struct {
	el2 *El2State
}

func (a *archVcpu) init(g *Guest, v *Vcpu, entry uint64) error {
	a.el2 = &El2State{}
	a.el2.Guest.Pc = entry
	a.el2.Guest.Cpsr = spsrEl1hDaifMasked
	a.el2.Sys.Sctlr = sctlrEl1Reset
	return nil
}

func (a *archVcpu) destroy() {}

func (a *archVcpu) readState(kind StateKind, buf []byte) error {
	return a.el2.Guest.readState(kind, buf)
}

func (a *archVcpu) writeState(kind StateKind, buf []byte) error {
	return a.el2.Guest.writeState(kind, buf)
}
