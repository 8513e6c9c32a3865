package vmm

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/bitmap"
)

// idAllocator hands out ids from the bounded pool [1, max]. VPIDs (VMIDs on
// arm64) tag TLB entries, so ids must be unique within a guest and are
// recycled lowest-first.
type idAllocator struct {
	mu   sync.Mutex
	max  uint32
	bits bitmap.Bitmap // bit i tracks id i+1
}

func newIDAllocator(max uint32) (*idAllocator, error) {
	if max == 0 {
		return nil, fmt.Errorf("hyp: id allocator: %w: empty pool", ErrInvalidArgs)
	}
	return &idAllocator{max: max, bits: bitmap.New(max)}, nil
}

// alloc returns the lowest free id.
func (a *idAllocator) alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// The bitmap rounds its size up to whole words, so a successful
	// FirstZero can still land past the pool bound.
	bit, err := a.bits.FirstZero(0)
	if err != nil || bit >= a.max {
		return 0, fmt.Errorf("hyp: id allocator: %w", ErrNoResources)
	}
	a.bits.Add(bit)
	return bit + 1, nil
}

// free returns id to the pool. Freeing an id that is not allocated is a
// caller bug and reports ErrInvalidArgs.
func (a *idAllocator) free(id uint32) error {
	if id < 1 || id > a.max {
		return fmt.Errorf("hyp: id allocator: free %d: %w", id, ErrInvalidArgs)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	bit := id - 1
	if got, err := a.bits.FirstOne(bit); err != nil || got != bit {
		return fmt.Errorf("hyp: id allocator: free %d: %w: not allocated", id, ErrInvalidArgs)
	}
	a.bits.Remove(bit)
	return nil
}

// inUse reports the number of allocated ids.
func (a *idAllocator) inUse() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bits.GetNumOnes()
}
