package vmm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const pageSize = 4096

// ioSpaceSize bounds x86 port-IO trap ranges.
const ioSpaceSize = 1 << 16

// Guest is one virtual machine: its physical address space, its trap
// ranges, its VPID pool and the architecture state shared by its vcpus.
//
// A Guest is reference counted. Close drops the creator's reference; each
// Vcpu holds one until it is closed. The last reference tears down the
// address space and releases the virtualization extension.
type Guest struct {
	sys   *System
	as    AddressSpace
	traps *trapMap
	vpids *idAllocator

	mu         sync.Mutex
	vcpus      map[uint32]*Vcpu
	startup    Port
	startupKey uint64
	closed     bool

	refs atomic.Int32

	arch archGuest
}

// CreateGuest enables the virtualization extension and builds a guest
// around the given address space, taking ownership of it. On any failure
// the extension reference is returned before the error.
func (s *System) CreateGuest(ctx context.Context, as AddressSpace) (*Guest, error) {
	if as == nil {
		return nil, fmt.Errorf("hyp: create guest: %w: nil address space", ErrInvalidArgs)
	}

	if err := s.ext.enable(ctx); err != nil {
		return nil, err
	}

	vpids, err := newIDAllocator(s.maxVcpus)
	if err != nil {
		s.ext.disable()
		return nil, fmt.Errorf("hyp: create guest: %w", err)
	}

	g := &Guest{
		sys:   s,
		as:    as,
		traps: newTrapMap(),
		vpids: vpids,
		vcpus: make(map[uint32]*Vcpu),
	}
	g.refs.Store(1)

	if err := g.arch.init(s, g); err != nil {
		s.ext.disable()
		return nil, fmt.Errorf("hyp: create guest: %w", err)
	}

	return g, nil
}

// AddressSpace returns the guest-physical address space the guest owns.
func (g *Guest) AddressSpace() AddressSpace { return g.as }

// TrapCount reports the number of registered trap ranges.
func (g *Guest) TrapCount() int { return g.traps.size() }

// SetTrap registers a trap range. Bell traps require a port; Mem and IO
// traps forbid one. Mem and Bell ranges are page sized and aligned and are
// unmapped from the address space before the trap becomes visible. On any
// validation failure neither the map nor the address space is touched.
func (g *Guest) SetTrap(kind TrapKind, base, size uint64, port Port, key uint64) error {
	if size == 0 {
		return fmt.Errorf("hyp: set trap: %w: empty range", ErrInvalidArgs)
	}
	if base+size < base {
		return fmt.Errorf("hyp: set trap [%#x, +%#x): %w", base, size, ErrOutOfRange)
	}

	switch kind {
	case TrapBell:
		if port == nil {
			return fmt.Errorf("hyp: bell trap: %w: nil port", ErrInvalidArgs)
		}
	case TrapMem:
		if port != nil {
			return fmt.Errorf("hyp: mem trap: %w: unexpected port", ErrInvalidArgs)
		}
	case TrapIO:
		if !hasPortIO {
			return fmt.Errorf("hyp: io trap: %w", ErrNotSupported)
		}
		if port != nil {
			return fmt.Errorf("hyp: io trap: %w: unexpected port", ErrInvalidArgs)
		}
	default:
		return fmt.Errorf("hyp: trap kind %d: %w", kind, ErrInvalidArgs)
	}

	if kind != TrapIO && (base%pageSize != 0 || size%pageSize != 0) {
		return fmt.Errorf("hyp: %s trap [%#x, +%#x): %w: not page aligned", kind, base, size, ErrInvalidArgs)
	}
	if kind == TrapIO && base+size > ioSpaceSize {
		return fmt.Errorf("hyp: io trap [%#x, +%#x): %w", base, size, ErrOutOfRange)
	}

	if kind != TrapIO {
		// The range leaves the address space before the trap exists;
		// a stale mapping would let the guest access it without
		// faulting.
		if err := g.as.UnmapRange(base, size); err != nil {
			return fmt.Errorf("hyp: set trap unmap [%#x, +%#x): %w", base, size, err)
		}
	}

	return g.traps.insert(&Trap{Kind: kind, Base: base, Size: size, Port: port, Key: key})
}

// SetStartupPort binds the port receiving secondary-CPU startup packets
// (PSCI CPU_ON requests). Key tags the packets.
func (g *Guest) SetStartupPort(port Port, key uint64) error {
	if port == nil {
		return fmt.Errorf("hyp: startup port: %w: nil port", ErrInvalidArgs)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return fmt.Errorf("hyp: startup port: %w", ErrBadState)
	}

	g.startup = port
	g.startupKey = key

	return nil
}

// queueStartup posts a startup request for vcpu index id to the startup
// port. The dispatcher translates the error into the guest-visible result.
func (g *Guest) queueStartup(id, entry, context uint64) error {
	if id >= uint64(g.sys.maxVcpus) {
		return fmt.Errorf("hyp: startup vcpu %d: %w", id, ErrOutOfRange)
	}

	g.mu.Lock()
	port := g.startup
	key := g.startupKey
	_, live := g.vcpus[uint32(id)+1]
	g.mu.Unlock()

	if live {
		return fmt.Errorf("hyp: startup vcpu %d: %w", id, ErrAlreadyExists)
	}
	if port == nil {
		return fmt.Errorf("hyp: startup vcpu %d: no startup port: %w", id, ErrBadState)
	}

	return port.Queue(Packet{
		Kind: PacketGuestVcpu,
		Key:  key,
		Vcpu: VcpuEvent{ID: id, Entry: entry, Context: context},
	})
}

// CreateVcpu allocates the lowest free VPID and starts the vcpu's pinned
// thread with the program counter at entry.
func (g *Guest) CreateVcpu(entry uint64) (*Vcpu, error) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("hyp: create vcpu: %w", ErrBadState)
	}

	id, err := g.vpids.alloc()
	if err != nil {
		return nil, fmt.Errorf("hyp: create vcpu: %w", err)
	}

	v, err := newVcpu(g, id, entry)
	if err != nil {
		if ferr := g.vpids.free(id); ferr != nil {
			slog.Error("hyp: free vpid after failed create", "id", id, "err", ferr)
		}
		return nil, err
	}

	g.retain()
	g.mu.Lock()
	g.vcpus[id] = v
	g.mu.Unlock()

	return v, nil
}

// Close releases the creator's reference. Live vcpus keep the guest alive
// until they are closed themselves.
func (g *Guest) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return fmt.Errorf("hyp: guest close: %w", ErrBadState)
	}
	g.closed = true
	g.mu.Unlock()

	g.release()
	return nil
}

func (g *Guest) retain() { g.refs.Add(1) }

func (g *Guest) release() {
	if g.refs.Add(-1) != 0 {
		return
	}

	g.arch.destroy(g.sys)
	if err := g.as.Close(); err != nil {
		slog.Error("hyp: close guest address space", "err", err)
	}
	g.sys.ext.disable()
}

// dropVcpu unregisters a closed vcpu, returns its VPID to the pool and
// drops its guest reference.
func (g *Guest) dropVcpu(id uint32) {
	g.mu.Lock()
	delete(g.vcpus, id)
	g.mu.Unlock()

	if err := g.vpids.free(id); err != nil {
		slog.Error("hyp: free vpid", "id", id, "err", err)
	}

	g.release()
}
