//go:build linux && arm64

package vmm

import (
	"log/slog"
	"sync"
	"unsafe"

	"gvisor.dev/gvisor/pkg/bitmap"
)

// GichBank is the GICv2 virtual interface control bank (GICH) of one
// physical CPU, mapped uncached by the kernel. Field offsets follow the
// architected register map.
type GichBank struct {
	Hcr    uint32
	Vtr    uint32
	Vmcr   uint32
	_      uint32
	Misr   uint32
	_      [3]uint32
	Eisr0  uint32
	Eisr1  uint32
	_      [2]uint32
	Elrsr0 uint32
	Elrsr1 uint32
	_      [46]uint32
	Apr    uint32
	_      [3]uint32
	Lr     [gichMaxListRegs]uint32
}

const gichBankBytes = 0x200

var (
	_ [gichBankBytes - unsafe.Sizeof(GichBank{})]struct{}
	_ [unsafe.Sizeof(GichBank{}) - gichBankBytes]struct{}

	_ [0x04 - unsafe.Offsetof(GichBank{}.Vtr)]struct{}
	_ [0x08 - unsafe.Offsetof(GichBank{}.Vmcr)]struct{}
	_ [0x10 - unsafe.Offsetof(GichBank{}.Misr)]struct{}
	_ [0x20 - unsafe.Offsetof(GichBank{}.Eisr0)]struct{}
	_ [0x30 - unsafe.Offsetof(GichBank{}.Elrsr0)]struct{}
	_ [0xf0 - unsafe.Offsetof(GichBank{}.Apr)]struct{}
	_ [0x100 - unsafe.Offsetof(GichBank{}.Lr)]struct{}
)

const gichMaxListRegs = 64

const gichHcrEnable = 1 << 0

// List-register fields.
const (
	lrVirtualIDMask   = 0x3ff
	lrPhysicalIDShift = 10
	lrPriorityShift   = 23
	lrPending         = 1 << 28
	lrActive          = 1 << 29
	lrGroup1          = 1 << 30
	lrHardware        = 1 << 31
)

// maxVectors bounds interrupt identifiers to the GICv2 ID space.
const maxVectors = 1024

// gicState is the software half of one vcpu's virtual interface. The
// interface bank itself is per physical CPU and only owned while the vcpu
// is resumed, so VMCR, the active-priority register and the list registers
// live here between resumes. Vectors posted while the vcpu is off-CPU
// collect in pending and drain into free list registers at the next load.
type gicState struct {
	mu      sync.Mutex
	pending bitmap.Bitmap
	hw      bitmap.Bitmap
	vmcr    uint32
	apr     uint32
	lr      [gichMaxListRegs]uint32
}

func newGicState() *gicState {
	return &gicState{
		pending: bitmap.New(maxVectors),
		hw:      bitmap.New(maxVectors),
	}
}

// irqState is the arch-neutral name vcpu code uses.
type irqState = gicState

func newIrqState() *irqState { return newGicState() }

func (g *gicState) pend(vector uint32, physical bool) error {
	if vector >= maxVectors {
		return ErrOutOfRange
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.pending.Add(vector)
	if physical {
		g.hw.Add(vector)
	}

	return nil
}

// hasPending reports whether any vector is waiting for the guest, either
// queued or parked in a saved list register.
func (g *gicState) hasPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending.GetNumOnes() > 0 {
		return true
	}

	for _, lr := range g.lr {
		if lr&lrPending != 0 {
			return true
		}
	}

	return false
}

// takeLocked pops the lowest pending vector in list-register form, or 0 if
// none are queued. Hardware-backed vectors carry the physical ID so EOI
// deactivates the distributor state directly.
func (g *gicState) takeLocked() uint32 {
	vector, err := g.pending.FirstOne(0)
	if err != nil {
		return 0
	}
	g.pending.Remove(vector)

	lr := vector&lrVirtualIDMask | lrPending | lrGroup1

	if got, err := g.hw.FirstOne(vector); err == nil && got == vector {
		g.hw.Remove(vector)
		lr |= lrHardware | vector<<lrPhysicalIDShift
	}

	return lr
}

// gicGuard binds a vcpu's interrupt state to the current CPU's interface
// bank for the duration of one resume.
type gicGuard struct {
	bank *GichBank
	st   *gicState
	mon  Monitor
	nlr  int
}

// loadGic programs the bank from the saved state, drains pending vectors
// into free list registers and enables the interface. Hardware-backed
// pending entries are marked active on the distributor so the physical
// interrupt cannot refire while the guest owns it.
func loadGic(mon Monitor, cpu int, st *gicState) *gicGuard {
	bank := mon.GICH(cpu)

	g := &gicGuard{bank: bank, st: st, mon: mon}

	g.nlr = int(bank.Vtr&0x3f) + 1
	if g.nlr > gichMaxListRegs {
		g.nlr = gichMaxListRegs
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	bank.Vmcr = st.vmcr
	bank.Apr = st.apr

	for i := 0; i < g.nlr; i++ {
		lr := st.lr[i]
		if lr == 0 {
			lr = st.takeLocked()
		}
		bank.Lr[i] = lr

		if lr&lrHardware != 0 && lr&lrPending != 0 {
			physical := lr >> lrPhysicalIDShift & lrVirtualIDMask
			if err := mon.SetActive(physical); err != nil {
				slog.Error("set physical interrupt active", "irq", physical, "error", err)
			}
		}
	}

	bank.Hcr = gichHcrEnable

	return g
}

// drop disables the interface and stores its state back. List registers
// the guest drained (per ELRSR) are released; the rest are carried to the
// next resume.
func (g *gicGuard) drop() {
	st := g.st

	st.mu.Lock()
	defer st.mu.Unlock()

	bank := g.bank

	st.vmcr = bank.Vmcr
	st.apr = bank.Apr

	empty := uint64(bank.Elrsr0) | uint64(bank.Elrsr1)<<32
	for i := 0; i < g.nlr; i++ {
		if empty&(1<<uint(i)) != 0 {
			st.lr[i] = 0
		} else {
			st.lr[i] = bank.Lr[i]
		}
		bank.Lr[i] = 0
	}

	bank.Hcr = 0
}
