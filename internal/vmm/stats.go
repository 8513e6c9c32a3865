package vmm

import "sync/atomic"

// Stats is a point-in-time snapshot of one vcpu's counters.
type Stats struct {
	// Resumes counts calls to Resume; Exits counts world switches, which
	// can be many per resume when exits are handled in place.
	Resumes uint64
	Exits   uint64

	// Interrupts counts vectors posted, Kicks the subset that needed a
	// cross-CPU IPI to force an exit.
	Interrupts uint64
	Kicks      uint64

	// Blocks counts WFI/HLT sleeps.
	Blocks uint64

	// Bells counts trap hits queued to ports, Packets the Mem/IO accesses
	// handed to the resume caller.
	Bells   uint64
	Packets uint64

	// Faults counts demand page-fault completions.
	Faults uint64

	// Emulated counts in-place emulations: register accesses, monitor
	// calls, paravirtual clock writes.
	Emulated uint64
}

type vcpuStats struct {
	resumes    atomic.Uint64
	exits      atomic.Uint64
	interrupts atomic.Uint64
	kicks      atomic.Uint64
	blocks     atomic.Uint64
	bells      atomic.Uint64
	packets    atomic.Uint64
	faults     atomic.Uint64
	emulated   atomic.Uint64
}

func (s *vcpuStats) snapshot() Stats {
	return Stats{
		Resumes:    s.resumes.Load(),
		Exits:      s.exits.Load(),
		Interrupts: s.interrupts.Load(),
		Kicks:      s.kicks.Load(),
		Blocks:     s.blocks.Load(),
		Bells:      s.bells.Load(),
		Packets:    s.packets.Load(),
		Faults:     s.faults.Load(),
		Emulated:   s.emulated.Load(),
	}
}
