//go:build linux

package vmm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/osmium-kernel/hyp/internal/debug"
)

// Vcpu lifecycle states. The state word doubles as the mutual-exclusion
// token for Resume, ReadState and WriteState: all three take it with a CAS
// from idle.
const (
	vcpuIdle uint32 = iota
	vcpuQueued
	vcpuRunning
	vcpuBlocked
	vcpuClosed
)

// InterruptKind says how a posted vector is backed.
type InterruptKind uint8

const (
	// InterruptVirtual is a software-originated vector.
	InterruptVirtual InterruptKind = iota

	// InterruptPhysical marks a passthrough vector backed by a host
	// interrupt; its delivery deactivates the hardware source on EOI.
	InterruptPhysical
)

// Vcpu is one virtual CPU. It owns a dedicated OS thread locked to
// physical CPU (vpid-1) mod ncpu; everything that touches guest register
// state runs on that thread via the run queue. Interrupt is the one
// cross-CPU entry point and goes through the per-vcpu lock instead.
type Vcpu struct {
	guest *Guest
	id    uint32
	cpu   int

	runQ chan func()
	quit chan struct{}
	tid  atomic.Int32

	state atomic.Uint32

	mu  sync.Mutex
	irq *irqState

	// waker holds at most one wake token for a blocked vcpu.
	waker chan struct{}

	// pkt is the Mem/IO packet returned from the last Resume, still
	// owed a completion on the next one.
	pkt *Packet

	stats vcpuStats
	dbg   debug.Debug

	arch archVcpu
}

func newVcpu(g *Guest, id uint32, entry uint64) (*Vcpu, error) {
	ncpu := g.sys.exec.NumCPU()

	v := &Vcpu{
		guest: g,
		id:    id,
		cpu:   int((id - 1) % uint32(ncpu)),
		runQ:  make(chan func()),
		quit:  make(chan struct{}),
		waker: make(chan struct{}, 1),
		irq:   newIrqState(),
		dbg:   debug.WithSource(fmt.Sprintf("vcpu%d", id)),
	}

	if err := v.arch.init(g, v, entry); err != nil {
		return nil, fmt.Errorf("hyp: vcpu %d: %w", id, err)
	}

	ready := make(chan error)
	go v.thread(ready)
	if err := <-ready; err != nil {
		v.arch.destroy()
		return nil, fmt.Errorf("hyp: vcpu %d: pin cpu %d: %w", id, v.cpu, err)
	}

	return v, nil
}

// thread is the vcpu's dedicated OS thread: locked, pinned, and the only
// context guest state is touched from. It dies with the vcpu.
func (v *Vcpu) thread(ready chan<- error) {
	runtime.LockOSThread()

	if err := v.guest.sys.exec.Pin(v.cpu); err != nil {
		ready <- err
		return
	}
	v.tid.Store(int32(unix.Gettid()))
	ready <- nil

	for {
		select {
		case fn := <-v.runQ:
			fn()
		case <-v.quit:
			return
		}
	}
}

func (v *Vcpu) call(fn func()) error {
	done := make(chan struct{})
	select {
	case v.runQ <- func() { fn(); close(done) }:
	case <-v.quit:
		return fmt.Errorf("hyp: vcpu %d: %w", v.id, ErrBadState)
	}
	<-done
	return nil
}

// ID returns the vcpu's VPID, in [1, MaxVcpus].
func (v *Vcpu) ID() uint32 { return v.id }

// CPU returns the physical CPU the vcpu is pinned to.
func (v *Vcpu) CPU() int { return v.cpu }

// Stats snapshots the vcpu's counters.
func (v *Vcpu) Stats() Stats { return v.stats.snapshot() }

// Resume runs the guest on the vcpu's pinned thread until an exit needs
// the caller: a Mem or IO access to emulate (non-nil packet), context
// cancellation, or a fault the control plane cannot absorb. For read
// accesses the caller deposits the result in the returned packet; the next
// Resume completes the access before re-entering the guest.
//
// One Resume at a time: concurrent calls, and calls while state access is
// in flight, fail with ErrBadState.
func (v *Vcpu) Resume(ctx context.Context) (*Packet, error) {
	if !v.state.CompareAndSwap(vcpuIdle, vcpuQueued) {
		return nil, fmt.Errorf("hyp: vcpu %d resume: %w", v.id, ErrBadState)
	}
	defer v.state.Store(vcpuIdle)

	v.stats.resumes.Add(1)

	var (
		pkt  *Packet
		rerr error
	)
	if err := v.call(func() { pkt, rerr = v.run(ctx) }); err != nil {
		return nil, err
	}
	return pkt, rerr
}

func (v *Vcpu) run(ctx context.Context) (*Packet, error) {
	if tid := unix.Gettid(); int32(tid) != v.tid.Load() {
		panic(fmt.Sprintf("hyp: vcpu %d resumed off its pinned thread", v.id))
	}

	// Cancellation must reach a guest that is in VMX non-root / EL1 or
	// parked in a wait: kick the CPU and drop a wake token.
	stop := context.AfterFunc(ctx, v.wake)
	defer stop()

	if v.pkt != nil {
		v.completePending()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pkt, done, err := v.step(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			return pkt, nil
		}
	}
}

// wake forces a blocked or running vcpu to revisit its pending state.
func (v *Vcpu) wake() {
	select {
	case v.waker <- struct{}{}:
	default:
	}

	// Kick while queued too: the vcpu may be past its cancellation check
	// and headed into the guest, and a stale kick is only a spurious exit.
	switch v.state.Load() {
	case vcpuRunning, vcpuQueued:
		if err := v.guest.sys.mon.Kick(v.cpu); err != nil {
			slog.Warn("hyp: kick vcpu", "vcpu", v.id, "cpu", v.cpu, "err", err)
		}
	}
}

// block parks the vcpu after a wait instruction until an interrupt
// arrives, the deadline passes or the context ends. The caller already
// advanced the guest PC past the instruction.
func (v *Vcpu) block(ctx context.Context, deadline time.Duration, hasDeadline bool) error {
	v.stats.blocks.Add(1)

	// Drain a stale token, then publish the blocked state before the
	// final pending check so a concurrent Interrupt either sees blocked
	// (and signals) or its vector is seen here.
	select {
	case <-v.waker:
	default:
	}

	v.state.Store(vcpuBlocked)
	defer v.state.Store(vcpuQueued)

	if v.irq.hasPending() {
		return nil
	}
	if hasDeadline && deadline == 0 {
		return nil
	}

	var timeout <-chan time.Time
	if hasDeadline {
		t := time.NewTimer(deadline)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-v.waker:
	case <-timeout:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Interrupt posts vector to the vcpu from any CPU. The returned mask names
// the physical CPUs sent an IPI to force delivery: bit v.cpu when the vcpu
// was in guest mode, zero otherwise.
func (v *Vcpu) Interrupt(vector uint32, kind InterruptKind) (uint64, error) {
	v.mu.Lock()
	err := v.irq.pend(vector, kind == InterruptPhysical)
	v.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("hyp: vcpu %d interrupt %d: %w", v.id, vector, err)
	}

	v.stats.interrupts.Add(1)

	switch v.state.Load() {
	case vcpuRunning:
		if err := v.guest.sys.mon.Kick(v.cpu); err != nil {
			return 0, fmt.Errorf("hyp: vcpu %d kick cpu %d: %w", v.id, v.cpu, err)
		}
		v.stats.kicks.Add(1)
		return 1 << v.cpu, nil
	case vcpuBlocked:
		select {
		case v.waker <- struct{}{}:
		default:
		}
	}

	return 0, nil
}

// VirtualInterrupt posts a device interrupt to the vcpu.
func (v *Vcpu) VirtualInterrupt(vector uint32) error {
	_, err := v.Interrupt(vector, InterruptVirtual)
	return err
}

// ReadState copies the state blob selected by kind into buf, whose length
// must match StateSize exactly. Fails with ErrBadState while the vcpu is
// resumed.
func (v *Vcpu) ReadState(kind StateKind, buf []byte) error {
	if !v.state.CompareAndSwap(vcpuIdle, vcpuQueued) {
		return fmt.Errorf("hyp: vcpu %d read state: %w", v.id, ErrBadState)
	}
	defer v.state.Store(vcpuIdle)

	return v.arch.readState(kind, buf)
}

// WriteState replaces the state blob selected by kind. Same contract as
// ReadState.
func (v *Vcpu) WriteState(kind StateKind, buf []byte) error {
	if !v.state.CompareAndSwap(vcpuIdle, vcpuQueued) {
		return fmt.Errorf("hyp: vcpu %d write state: %w", v.id, ErrBadState)
	}
	defer v.state.Store(vcpuIdle)

	return v.arch.writeState(kind, buf)
}

// Close stops the vcpu thread and releases its VPID and guest reference.
// Fails with ErrBadState while a Resume or state access is in flight.
func (v *Vcpu) Close() error {
	if !v.state.CompareAndSwap(vcpuIdle, vcpuClosed) {
		return fmt.Errorf("hyp: vcpu %d close: %w", v.id, ErrBadState)
	}

	close(v.quit)
	v.arch.destroy()
	v.guest.dropVcpu(v.id)

	return nil
}

// extendValue narrows data to width bytes and zero- or sign-extends it to
// 64 bits.
func extendValue(data uint64, width uint8, sign bool) uint64 {
	bits := uint(width) * 8
	if bits >= 64 {
		return data
	}
	data &= 1<<bits - 1
	if sign && data&(1<<(bits-1)) != 0 {
		data |= ^uint64(0) << bits
	}
	return data
}
