//go:build linux && amd64

package vmm

// hasPortIO: x86 has a separate port-IO address space.
const hasPortIO = true

type archSystem struct{}

func (a *archSystem) init() error { return nil }

// archGuest is the per-guest x86 state: the MSR intercept bitmap the
// Monitor installs for every vcpu of the guest.
type archGuest struct {
	msrBitmap *MsrBitmap
}

func (a *archGuest) init(s *System, g *Guest) error {
	a.msrBitmap = newMsrBitmap()
	return nil
}

func (a *archGuest) destroy(s *System) {}

// MsrBitmap exposes the guest's MSR intercept page for the Monitor.
func (g *Guest) MsrBitmap() *MsrBitmap { return g.arch.msrBitmap }

const (
	cr0Reset = 0x60000010

	eptMemTypeWriteBack uint64 = 6
	eptPageWalkLength4  uint64 = 3 << 3
)

// archVcpu is the per-vcpu x86 state: control structure, register file,
// MSR shadow and the optional paravirtual clock page.
type archVcpu struct {
	vmcs *Vmcs
	regs GuestRegs
	msrs *msrState
	pv   *pvclock

	// advance is the RIP bump owed to the in-flight packet, applied when
	// the access completes.
	advance uint8
}

func (a *archVcpu) init(g *Guest, v *Vcpu, entry uint64) error {
	a.vmcs = NewVmcs()
	a.msrs = newMsrState()
	a.regs = GuestRegs{Rip: entry, Rflags: 0x2}

	vm := a.vmcs
	vm.Write(VmcsVpid, uint64(v.id))
	vm.Write(VmcsEptPointer, g.as.ArchTablePhys()|eptMemTypeWriteBack|eptPageWalkLength4)
	vm.Write(VmcsLinkPointer, ^uint64(0))
	vm.Write(VmcsGuestPat, patResetValue)
	vm.Write(VmcsGuestCr0, cr0Reset)
	vm.Write(VmcsPinControls, pinExternalInterruptExiting)
	vm.Write(VmcsProcControls,
		procHltExiting|procUncondIOExiting|procUseMsrBitmaps|procSecondaryControls)
	vm.Write(VmcsProcControls2, proc2EnableEpt|proc2EnableVpid|proc2UnrestrictedGuest)
	vm.Write(VmcsExitControls, exitHostAddressSpaceSize|exitAckInterruptOnExit)

	return nil
}

func (a *archVcpu) destroy() {
	if a.pv != nil {
		a.pv.close()
		a.pv = nil
	}
}

func (a *archVcpu) readState(kind StateKind, buf []byte) error {
	return a.regs.readState(kind, buf)
}

func (a *archVcpu) writeState(kind StateKind, buf []byte) error {
	return a.regs.writeState(kind, buf)
}
