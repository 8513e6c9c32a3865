//go:build linux

package scenario

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/osmium-kernel/hyp/internal/console"
	"github.com/osmium-kernel/hyp/internal/exittrace"
	"github.com/osmium-kernel/hyp/internal/gpas"
	"github.com/osmium-kernel/hyp/internal/sim"
	"github.com/osmium-kernel/hyp/internal/vmm"
)

const (
	consoleKey = 0x71
	bellKey    = 0x72

	// doneOffset is the poweroff latch in the console window; a store to
	// it ends that vcpu's script.
	doneOffset = 0x8

	// scratchReg is the general register scripts clobber for stores.
	scratchReg = 5
)

// Result is one scenario run: summed vcpu counters and the final screen.
type Result struct {
	Name     string
	Vcpus    int
	Stats    vmm.Stats
	Screen   string
	Duration time.Duration
}

// Run plays a scenario against a fresh software machine and checks its
// expectations. The result is returned alongside expectation errors so
// callers can still report the screen and counters.
func Run(ctx context.Context, sc *Scenario) (*Result, error) {
	return RunTraced(ctx, sc, nil)
}

// RunTraced is Run with an exit trace attached to every vcpu.
func RunTraced(ctx context.Context, sc *Scenario, tr *exittrace.Log) (*Result, error) {
	start := time.Now()

	m := sim.New(sim.Config{CPUs: sc.Guest.CPUs})
	sys, err := vmm.NewSystem(vmm.Config{Monitor: m, Executor: m, Trace: tr})
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}

	space, err := gpas.New(sc.Guest.RamBase, sc.Guest.memBytes())
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	g, err := sys.CreateGuest(ctx, space)
	if err != nil {
		space.Close()
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	defer g.Close()

	con := console.New(sc.Guest.Console.Cols, sc.Guest.Console.Rows)
	defer con.Close()
	if sc.Guest.Input != "" {
		con.SendText(sc.Guest.Input)
	}

	conBase := sc.Guest.Console.Base
	if err := g.SetTrap(vmm.TrapMem, conBase, pageSize, nil, consoleKey); err != nil {
		return nil, fmt.Errorf("scenario %q: console trap: %w", sc.Name, err)
	}
	if sc.usesBell() {
		if err := g.SetTrap(vmm.TrapBell, sc.Guest.BellBase, pageSize, con, bellKey); err != nil {
			return nil, fmt.Errorf("scenario %q: bell trap: %w", sc.Name, err)
		}
	}

	vcpus := make([]*vmm.Vcpu, 0, len(sc.Vcpus))
	for i, vs := range sc.Vcpus {
		v, err := g.CreateVcpu(vs.Entry)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: vcpu %d: %w", sc.Name, i, err)
		}
		defer v.Close()

		m.Push(v.CPU(), compile(sc, vs.Steps)...)
		m.Push(v.CPU(), sim.Store(conBase+doneOffset, 4, scratchReg))
		vcpus = append(vcpus, v)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(vcpus))
	for i, v := range vcpus {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = drive(ctx, v, con, conBase)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("scenario %q: vcpu %d: %w", sc.Name, i, err)
		}
	}

	res := &Result{
		Name:     sc.Name,
		Vcpus:    len(vcpus),
		Screen:   con.Snapshot(),
		Duration: time.Since(start),
	}
	for _, v := range vcpus {
		res.Stats = addStats(res.Stats, v.Stats())
	}
	if err := sc.Expect.check(res); err != nil {
		return res, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	return res, nil
}

// compile lowers steps to scripted exits. Only console accesses surface as
// packets; faults, bells and conduit calls are handled on the resume path.
func compile(sc *Scenario, steps []Step) []sim.Event {
	data := sc.Guest.Console.Base + console.RegData

	var evs []sim.Event
	for _, st := range steps {
		switch {
		case st.Print != "":
			for _, b := range []byte(st.Print) {
				evs = append(evs, withReg(scratchReg, uint64(b), sim.Store(data, 1, scratchReg)))
			}
		case st.Read > 0:
			for range st.Read {
				evs = append(evs, sim.Load(data, 1, scratchReg, false))
			}
		case st.Touch != nil:
			evs = append(evs, sim.Load(*st.Touch, 4, scratchReg, false))
		case st.Ring:
			evs = append(evs, sim.Store(sc.Guest.BellBase, 4, scratchReg))
		case st.Hypercall:
			evs = append(evs, hypercall())
		}
	}
	return evs
}

// drive runs one vcpu to its poweroff poke, serving console packets in
// between.
func drive(ctx context.Context, v *vmm.Vcpu, con *console.Console, conBase uint64) error {
	for {
		pkt, err := v.Resume(ctx)
		if err != nil {
			return err
		}
		if pkt.Kind == vmm.PacketGuestMem {
			off := pkt.Mem.Addr - conBase
			if off < pageSize {
				if off == doneOffset && !pkt.Mem.Read {
					return nil
				}
				con.Emulate(off, pkt)
				continue
			}
		}
		return fmt.Errorf("unexpected %s packet at %#x", pkt.Kind, pkt.Mem.Addr)
	}
}

func addStats(a, b vmm.Stats) vmm.Stats {
	a.Resumes += b.Resumes
	a.Exits += b.Exits
	a.Interrupts += b.Interrupts
	a.Kicks += b.Kicks
	a.Blocks += b.Blocks
	a.Bells += b.Bells
	a.Packets += b.Packets
	a.Faults += b.Faults
	a.Emulated += b.Emulated
	return a
}

func (e *Expectation) check(res *Result) error {
	for _, want := range e.ScreenHas {
		if !strings.Contains(res.Screen, want) {
			return fmt.Errorf("screen missing %q", want)
		}
	}

	counters := []struct {
		name string
		want *uint64
		got  uint64
	}{
		{"packets", e.Counters.Packets, res.Stats.Packets},
		{"bells", e.Counters.Bells, res.Stats.Bells},
		{"faults", e.Counters.Faults, res.Stats.Faults},
		{"emulated", e.Counters.Emulated, res.Stats.Emulated},
	}
	for _, c := range counters {
		if c.want != nil && c.got != *c.want {
			return fmt.Errorf("%s = %d, want %d", c.name, c.got, *c.want)
		}
	}
	return nil
}
