package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/osmium-kernel/hyp/internal/percpu"
)

// extension tracks the process-wide virtualization-extension state: VMX
// root operation on x86, EL2 hypervisor configuration on arm64. The mode is
// entered on every online CPU when the first guest is created and left when
// the last guest dies. Mixed states are never visible: enable is
// all-or-nothing across CPUs, with rollback of exactly the CPUs that
// succeeded.
type extension struct {
	mon  Monitor
	exec percpu.Executor

	mu          sync.Mutex
	guests      int
	resources   []*CPUResource
	unsupported bool // capability failure is permanent
}

func (e *extension) init(mon Monitor, exec percpu.Executor) {
	e.mon = mon
	e.exec = exec
}

func (e *extension) enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guests > 0
}

func (e *extension) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guests
}

// enable turns the extension on for a new guest. The first caller pays for
// the per-CPU resource allocation and the blocking enable cross-call; later
// callers only bump the count.
func (e *extension) enable(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.unsupported {
		return fmt.Errorf("hyp: virtualization extension: %w", ErrNotSupported)
	}
	if e.guests > 0 {
		e.guests++
		return nil
	}

	if err := e.mon.Probe(); err != nil {
		if errors.Is(err, ErrNotSupported) {
			e.unsupported = true
		}
		return fmt.Errorf("hyp: virtualization extension: %w", err)
	}

	n := e.exec.NumCPU()
	resources := make([]*CPUResource, n)
	for cpu := 0; cpu < n; cpu++ {
		res, err := e.mon.AllocCPUResource(cpu)
		if err != nil {
			e.freeResources(resources)
			return fmt.Errorf("hyp: cpu %d resource: %w", cpu, err)
		}
		resources[cpu] = res
	}

	// Blocking cross-call: every online CPU checks the capability and
	// enters the mode. The returned mask is the per-CPU success list.
	mask, berr := e.exec.Broadcast(ctx, func(cpu int) error {
		return e.mon.EnableCPU(cpu, resources[cpu])
	})

	all := uint64(1)<<n - 1
	if berr != nil || mask != all {
		// Roll back only the CPUs that accepted, then report the
		// failure as a permanent capability miss.
		e.disableMask(mask, resources)
		e.freeResources(resources)
		e.unsupported = true
		if berr == nil {
			berr = fmt.Errorf("enable mask %#x, want %#x", mask, all)
		}
		return fmt.Errorf("hyp: virtualization extension: %w: %v", ErrNotSupported, berr)
	}

	e.resources = resources
	e.guests = 1
	return nil
}

// disable drops one guest reference; the last one leaves the mode on every
// CPU and frees the per-CPU resources. Teardown never fails: per-CPU
// disable errors are logged and the state is torn down regardless.
func (e *extension) disable() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.guests == 0 {
		// Unbalanced disable is a lifecycle bug in the caller.
		panic("hyp: extension disable without enable")
	}
	e.guests--
	if e.guests > 0 {
		return
	}

	n := e.exec.NumCPU()
	e.disableMask(uint64(1)<<n-1, e.resources)
	e.freeResources(e.resources)
	e.resources = nil
}

// disableMask runs the disable task on every CPU set in mask, blocking per
// CPU. Used for both teardown and partial-enable rollback.
func (e *extension) disableMask(mask uint64, resources []*CPUResource) {
	for cpu := 0; cpu < len(resources); cpu++ {
		if mask&(uint64(1)<<cpu) == 0 {
			continue
		}
		cpu := cpu
		err := e.exec.On(context.Background(), cpu, func(int) error {
			return e.mon.DisableCPU(cpu, resources[cpu])
		})
		if err != nil {
			slog.Error("hyp: disable virtualization", "cpu", cpu, "err", err)
		}
	}
}

func (e *extension) freeResources(resources []*CPUResource) {
	for cpu, res := range resources {
		if res == nil {
			continue
		}
		e.mon.FreeCPUResource(cpu, res)
	}
}
