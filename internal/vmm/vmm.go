// Package vmm is the virtual-machine control plane: guest lifecycle, per
// virtual CPU execution and VM-exit handling, the trap table routing guest
// faults to emulation, and the virtual interrupt-controller context carried
// across every world switch.
//
// The package has two compile-time variants selected by GOARCH: Intel VMX
// (amd64) and ARMv8 EL2 (arm64). Hardware access is confined to a Monitor,
// the seam behind which the kernel's privileged entry/exit trampolines live;
// the sim package provides a software Monitor so the whole control plane
// runs and tests in userspace.
package vmm

import (
	"fmt"

	"github.com/osmium-kernel/hyp/internal/exittrace"
	"github.com/osmium-kernel/hyp/internal/percpu"
)

// DefaultMaxVcpus bounds the per-guest VPID pool when Config.MaxVcpus is 0.
const DefaultMaxVcpus = 64

// Config assembles a System. Monitor and Executor are required.
type Config struct {
	Monitor  Monitor
	Executor percpu.Executor

	// MaxVcpus bounds VPID allocation per guest, [1, MaxVcpus].
	MaxVcpus uint32

	// Trace, when set, records one entry per world switch.
	Trace *exittrace.Log
}

// System owns the hardware-extension lifecycle shared by all guests. The
// kernel embeds exactly one System; tests construct as many as they need.
type System struct {
	mon      Monitor
	exec     percpu.Executor
	maxVcpus uint32
	trace    *exittrace.Log

	ext  extension
	arch archSystem
}

// NewSystem validates cfg and returns a System. The virtualization
// extension stays disabled until the first guest is created.
func NewSystem(cfg Config) (*System, error) {
	if cfg.Monitor == nil {
		return nil, fmt.Errorf("hyp: config: %w: nil monitor", ErrInvalidArgs)
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("hyp: config: %w: nil executor", ErrInvalidArgs)
	}

	maxVcpus := cfg.MaxVcpus
	if maxVcpus == 0 {
		maxVcpus = DefaultMaxVcpus
	}

	s := &System{
		mon:      cfg.Monitor,
		exec:     cfg.Executor,
		maxVcpus: maxVcpus,
		trace:    cfg.Trace,
	}
	s.ext.init(cfg.Monitor, cfg.Executor)
	if err := s.arch.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// NumCPU reports the online CPU count seen by the executor.
func (s *System) NumCPU() int { return s.exec.NumCPU() }

// Enabled reports whether the virtualization extension is currently on.
// True exactly while at least one guest is alive.
func (s *System) Enabled() bool { return s.ext.enabled() }

// Guests returns the live guest count.
func (s *System) Guests() int { return s.ext.count() }
