package vmm

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

// TrapKind classifies a guest trap range.
type TrapKind uint8

const (
	// TrapMem: each access returns a Mem packet to the resume caller.
	TrapMem TrapKind = iota + 1

	// TrapBell: accesses queue a Bell packet to the trap's port and the
	// guest re-enters immediately.
	TrapBell

	// TrapIO: x86 port-IO range, returned to the resume caller.
	TrapIO
)

func (k TrapKind) String() string {
	switch k {
	case TrapMem:
		return "mem"
	case TrapBell:
		return "bell"
	case TrapIO:
		return "io"
	default:
		return "unknown"
	}
}

// Trap is one registered range. Base/Size are guest-physical bytes for Mem
// and Bell, port numbers for IO.
type Trap struct {
	Kind TrapKind
	Base uint64
	Size uint64
	Port Port
	Key  uint64
}

// Contains reports whether addr falls inside the trap range.
func (t *Trap) Contains(addr uint64) bool {
	return addr >= t.Base && addr-t.Base < t.Size
}

func (t *Trap) end() uint64 { return t.Base + t.Size }

// trapMap holds the ordered, non-overlapping trap ranges of one guest.
// Guest-physical ranges (Mem, Bell) and port-IO ranges are separate address
// spaces and live in separate trees. Lookups happen on every faulting exit,
// inserts only at guest setup, so both are tuned for reads: b-trees keyed
// by base address.
type trapMap struct {
	mu  sync.RWMutex
	mem *btree.BTreeG[*Trap]
	io  *btree.BTreeG[*Trap]
}

func newTrapMap() *trapMap {
	less := func(a, b *Trap) bool { return a.Base < b.Base }
	return &trapMap{
		mem: btree.NewG(8, less),
		io:  btree.NewG(8, less),
	}
}

func (m *trapMap) treeFor(kind TrapKind) *btree.BTreeG[*Trap] {
	if kind == TrapIO {
		return m.io
	}
	return m.mem
}

// insert adds t, failing with ErrAlreadyExists when the range intersects
// any existing entry of its address space. On failure the map is unchanged.
func (m *trapMap) insert(t *Trap) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tree := m.treeFor(t.Kind)

	// Entries are disjoint and ordered, so the only candidate overlapping
	// [Base, end) is the entry with the greatest base below end.
	var hit *Trap
	tree.DescendLessOrEqual(&Trap{Base: t.end() - 1}, func(item *Trap) bool {
		hit = item
		return false
	})
	if hit != nil && hit.end() > t.Base {
		return fmt.Errorf("hyp: trap %s [%#x, %#x): %w", t.Kind, t.Base, t.end(), ErrAlreadyExists)
	}

	tree.ReplaceOrInsert(t)
	return nil
}

// find returns the guest-physical entry containing addr or ErrNotFound.
func (m *trapMap) find(addr uint64) (*Trap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.mem, addr)
}

// findIO returns the port-IO entry containing port or ErrNotFound.
func (m *trapMap) findIO(port uint16) (*Trap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.io, uint64(port))
}

func lookup(tree *btree.BTreeG[*Trap], addr uint64) (*Trap, error) {
	var hit *Trap
	tree.DescendLessOrEqual(&Trap{Base: addr}, func(item *Trap) bool {
		hit = item
		return false
	})
	if hit == nil || !hit.Contains(addr) {
		return nil, fmt.Errorf("hyp: trap at %#x: %w", addr, ErrNotFound)
	}
	return hit, nil
}

// size reports the number of registered traps.
func (m *trapMap) size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mem.Len() + m.io.Len()
}
