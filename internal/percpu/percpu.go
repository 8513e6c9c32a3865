// Package percpu runs short tasks on OS threads bound to individual
// physical CPUs. The hypervisor extension lifecycle uses it to enable and
// disable virtualization mode on every online CPU with full-barrier
// semantics, and virtual CPUs use it to bind their run loops.
package percpu

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// MaxCPUs bounds the CPU mask width used across the module.
const MaxCPUs = 64

// Executor schedules work onto physical CPUs. Broadcast and On are full
// barriers: they return only after every dispatched task has finished.
type Executor interface {
	// NumCPU returns the number of online CPUs, capped at MaxCPUs.
	NumCPU() int

	// Broadcast runs task concurrently on every online CPU and blocks
	// until all complete. It returns a bitmask of CPUs whose task
	// returned nil. The context is consulted before dispatch only; once
	// tasks are running the barrier is never abandoned.
	Broadcast(ctx context.Context, task func(cpu int) error) (uint64, error)

	// On runs task on the given CPU and blocks until it returns.
	On(ctx context.Context, cpu int, task func(cpu int) error) error

	// Pin binds the calling thread to the given CPU. The caller must
	// already hold its OS thread.
	Pin(cpu int) error
}

// Host executes tasks on real per-CPU worker threads, one per online CPU,
// created lazily and bound with sched_setaffinity.
type Host struct {
	n int

	mu      sync.Mutex
	workers []*worker
	closed  bool
}

type worker struct {
	cpu   int
	queue chan func()
	done  chan struct{}
}

// NewHost returns an executor over all online CPUs.
func NewHost() *Host {
	n := runtime.NumCPU()
	if n > MaxCPUs {
		n = MaxCPUs
	}
	return &Host{n: n, workers: make([]*worker, n)}
}

func (h *Host) NumCPU() int { return h.n }

func (h *Host) Pin(cpu int) error {
	if cpu < 0 || cpu >= h.n {
		return fmt.Errorf("percpu: pin: no such cpu %d", cpu)
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("percpu: pin cpu %d: %w", cpu, err)
	}
	return nil
}

func (h *Host) worker(cpu int) (*worker, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("percpu: executor closed")
	}
	if w := h.workers[cpu]; w != nil {
		return w, nil
	}

	w := &worker{
		cpu:   cpu,
		queue: make(chan func(), 1),
		done:  make(chan struct{}),
	}

	started := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(w.done)

		started <- h.Pin(cpu)

		for fn := range w.queue {
			fn()
		}
	}()

	if err := <-started; err != nil {
		close(w.queue)
		return nil, err
	}

	h.workers[cpu] = w
	return w, nil
}

func (h *Host) On(ctx context.Context, cpu int, task func(cpu int) error) error {
	if cpu < 0 || cpu >= h.n {
		return fmt.Errorf("percpu: no such cpu %d", cpu)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w, err := h.worker(cpu)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	w.queue <- func() { errCh <- task(cpu) }
	return <-errCh
}

func (h *Host) Broadcast(ctx context.Context, task func(cpu int) error) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		mask uint64
		errs []error
	)

	for cpu := 0; cpu < h.n; cpu++ {
		w, err := h.worker(cpu)
		if err != nil {
			return 0, err
		}

		wg.Add(1)
		cpu := cpu
		w.queue <- func() {
			defer wg.Done()
			err := task(cpu)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("cpu %d: %w", cpu, err))
			} else {
				mask |= uint64(1) << cpu
			}
		}
	}

	wg.Wait()

	if len(errs) > 0 {
		return mask, fmt.Errorf("percpu: broadcast: %w", errs[0])
	}
	return mask, nil
}

// Close stops all worker threads. Outstanding tasks finish first.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	workers := make([]*worker, len(h.workers))
	copy(workers, h.workers)
	h.mu.Unlock()

	for _, w := range workers {
		if w == nil {
			continue
		}
		close(w.queue)
		<-w.done
	}
	return nil
}

var _ Executor = (*Host)(nil)

// Simple is a deterministic executor for tests and the software model. It
// runs every task inline on the calling goroutine; CPU identity is logical
// and Pin is a no-op.
type Simple struct {
	n int
}

// NewSimple returns an inline executor presenting n logical CPUs.
func NewSimple(n int) *Simple {
	if n < 1 {
		n = 1
	}
	if n > MaxCPUs {
		n = MaxCPUs
	}
	return &Simple{n: n}
}

func (s *Simple) NumCPU() int       { return s.n }
func (s *Simple) Pin(cpu int) error { return nil }

func (s *Simple) On(ctx context.Context, cpu int, task func(cpu int) error) error {
	if cpu < 0 || cpu >= s.n {
		return fmt.Errorf("percpu: no such cpu %d", cpu)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return task(cpu)
}

func (s *Simple) Broadcast(ctx context.Context, task func(cpu int) error) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var (
		mask uint64
		errs []error
	)
	for cpu := 0; cpu < s.n; cpu++ {
		if err := task(cpu); err != nil {
			errs = append(errs, fmt.Errorf("cpu %d: %w", cpu, err))
			continue
		}
		mask |= uint64(1) << cpu
	}

	if len(errs) > 0 {
		return mask, fmt.Errorf("percpu: broadcast: %w", errs[0])
	}
	return mask, nil
}

var _ Executor = (*Simple)(nil)
