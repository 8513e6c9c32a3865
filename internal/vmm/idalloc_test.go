package vmm

import (
	"errors"
	"sync"
	"testing"
)

func TestIDAllocatorEmptyPool(t *testing.T) {
	if _, err := newIDAllocator(0); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("newIDAllocator(0) = %v, want ErrInvalidArgs", err)
	}
}

func TestIDAllocatorLowestFirst(t *testing.T) {
	a, err := newIDAllocator(8)
	if err != nil {
		t.Fatal(err)
	}

	for want := uint32(1); want <= 8; want++ {
		id, err := a.alloc()
		if err != nil {
			t.Fatalf("alloc %d: %v", want, err)
		}
		if id != want {
			t.Fatalf("alloc = %d, want %d", id, want)
		}
	}
	if n := a.inUse(); n != 8 {
		t.Fatalf("inUse = %d, want 8", n)
	}

	// Freed ids come back lowest-first regardless of free order.
	for _, id := range []uint32{5, 2, 7} {
		if err := a.free(id); err != nil {
			t.Fatalf("free %d: %v", id, err)
		}
	}
	for _, want := range []uint32{2, 5, 7} {
		id, err := a.alloc()
		if err != nil {
			t.Fatalf("realloc: %v", err)
		}
		if id != want {
			t.Fatalf("realloc = %d, want %d", id, want)
		}
	}
}

func TestIDAllocatorExhaustion(t *testing.T) {
	a, err := newIDAllocator(3)
	if err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if _, err := a.alloc(); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := a.alloc(); !errors.Is(err, ErrNoResources) {
		t.Fatalf("alloc on full pool = %v, want ErrNoResources", err)
	}

	if err := a.free(2); err != nil {
		t.Fatal(err)
	}
	id, err := a.alloc()
	if err != nil {
		t.Fatalf("alloc after free: %v", err)
	}
	if id != 2 {
		t.Fatalf("alloc after free = %d, want 2", id)
	}
}

// A 64-id pool fills a whole bitmap word; the allocator must still refuse
// the 65th id rather than hand out a bit past the pool bound.
func TestIDAllocatorWordBoundary(t *testing.T) {
	a, err := newIDAllocator(64)
	if err != nil {
		t.Fatal(err)
	}
	for range 64 {
		if _, err := a.alloc(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := a.alloc(); !errors.Is(err, ErrNoResources) {
		t.Fatalf("alloc past word boundary = %v, want ErrNoResources", err)
	}
}

func TestIDAllocatorFreeValidation(t *testing.T) {
	a, err := newIDAllocator(4)
	if err != nil {
		t.Fatal(err)
	}
	id, err := a.alloc()
	if err != nil {
		t.Fatal(err)
	}

	for _, bad := range []uint32{0, 5, 100} {
		if err := a.free(bad); !errors.Is(err, ErrInvalidArgs) {
			t.Fatalf("free(%d) = %v, want ErrInvalidArgs", bad, err)
		}
	}

	if err := a.free(id); err != nil {
		t.Fatal(err)
	}
	if err := a.free(id); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("double free = %v, want ErrInvalidArgs", err)
	}
	if err := a.free(3); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("free of never-allocated id = %v, want ErrInvalidArgs", err)
	}
}

func TestIDAllocatorConcurrent(t *testing.T) {
	const ids = 32

	a, err := newIDAllocator(ids)
	if err != nil {
		t.Fatal(err)
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = make(map[uint32]bool)
	)
	for range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := a.alloc()
			if err != nil {
				t.Errorf("alloc: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if got[id] {
				t.Errorf("id %d handed out twice", id)
			}
			got[id] = true
		}()
	}
	wg.Wait()

	if len(got) != ids {
		t.Fatalf("allocated %d distinct ids, want %d", len(got), ids)
	}
	if n := a.inUse(); n != ids {
		t.Fatalf("inUse = %d, want %d", n, ids)
	}
}
