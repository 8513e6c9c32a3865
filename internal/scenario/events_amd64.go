//go:build linux && amd64

package scenario

import (
	"github.com/osmium-kernel/hyp/internal/sim"
	"github.com/osmium-kernel/hyp/internal/vmm"
)

// withReg wraps next so general register reg holds val when it runs.
func withReg(reg int, val uint64, next sim.Event) sim.Event {
	return func(c *sim.CPU) (vmm.Exit, error) {
		c.Regs.SetReg(uint8(reg), val)
		return next(c)
	}
}

// hypercall is a benign conduit call: a vendor call the dispatcher answers
// in place.
func hypercall() sim.Event {
	return sim.Vmcall()
}
