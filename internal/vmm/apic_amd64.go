//go:build linux && amd64

package vmm

import (
	"sync"

	"gvisor.dev/gvisor/pkg/bitmap"
)

// maxVectors bounds interrupt identifiers to the 8-bit IDT space.
const maxVectors = 256

const rflagsInterruptEnable = 1 << 9

// apicState tracks vectors posted to a vcpu between resumes. Delivery goes
// through VM-entry event injection, one vector per entry, highest first;
// when the guest is not interruptible the interrupt-window exit is armed
// instead and delivery retries on the next entry.
type apicState struct {
	mu      sync.Mutex
	pending bitmap.Bitmap
}

func newApicState() *apicState {
	return &apicState{pending: bitmap.New(maxVectors)}
}

// irqState is the arch-neutral name vcpu code uses. The physical flag has
// no delivery difference on this architecture.
type irqState = apicState

func newIrqState() *irqState { return newApicState() }

func (a *apicState) pend(vector uint32, physical bool) error {
	if vector >= maxVectors {
		return ErrOutOfRange
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending.Add(vector)

	return nil
}

func (a *apicState) hasPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.pending.GetNumOnes() > 0
}

// highestLocked returns the highest pending vector, which the local APIC
// priority model serves first.
func (a *apicState) highestLocked() (uint32, bool) {
	best, err := a.pending.FirstOne(0)
	if err != nil {
		return 0, false
	}

	for {
		next, err := a.pending.FirstOne(best + 1)
		if err != nil {
			return best, true
		}
		best = next
	}
}

func canInject(vmcs *Vmcs, regs *GuestRegs) bool {
	if regs.Rflags&rflagsInterruptEnable == 0 {
		return false
	}

	blocking := vmcs.Read(VmcsGuestInterruptibility)

	return blocking&(interruptibilityStiBlocking|interruptibilityMovSsBlocking) == 0
}

// apicGuard stages interrupt delivery around one VM entry.
type apicGuard struct {
	vmcs *Vmcs
	st   *apicState
}

// loadApic injects the highest pending vector if the guest can take it now,
// or arms interrupt-window exiting so the next injectable point traps out.
func loadApic(vmcs *Vmcs, regs *GuestRegs, st *apicState) *apicGuard {
	g := &apicGuard{vmcs: vmcs, st: st}

	st.mu.Lock()
	defer st.mu.Unlock()

	vector, ok := st.highestLocked()
	if !ok {
		return g
	}

	if canInject(vmcs, regs) {
		st.pending.Remove(vector)
		vmcs.Write(VmcsEntryInterruptionInfo,
			interruptionValid|interruptionTypeExtInt|uint64(vector))
	} else {
		vmcs.SetBits(VmcsProcControls, procInterruptWindowExiting)
	}

	return g
}

// drop retires the entry-event slot (delivery happens during entry) and
// disarms the interrupt window once nothing is left to deliver.
func (g *apicGuard) drop() {
	g.st.mu.Lock()
	defer g.st.mu.Unlock()

	g.vmcs.Write(VmcsEntryInterruptionInfo, 0)

	if g.st.pending.GetNumOnes() == 0 {
		g.vmcs.ClearBits(VmcsProcControls, procInterruptWindowExiting)
	}
}
