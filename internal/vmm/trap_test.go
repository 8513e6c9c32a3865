package vmm

import (
	"errors"
	"testing"
)

func TestTrapMapLookup(t *testing.T) {
	m := newTrapMap()

	ranges := []*Trap{
		{Kind: TrapMem, Base: 0x1000, Size: 0x1000, Key: 1},
		{Kind: TrapBell, Base: 0x4000, Size: 0x2000, Key: 2},
		{Kind: TrapMem, Base: 0x10_0000, Size: 0x1000, Key: 3},
	}
	for _, r := range ranges {
		if err := m.insert(r); err != nil {
			t.Fatalf("insert [%#x, +%#x): %v", r.Base, r.Size, err)
		}
	}
	if n := m.size(); n != 3 {
		t.Fatalf("size = %d, want 3", n)
	}

	cases := []struct {
		addr uint64
		key  uint64
		ok   bool
	}{
		{0x1000, 1, true},
		{0x1fff, 1, true},
		{0x2000, 0, false},
		{0x0fff, 0, false},
		{0x5a00, 2, true},
		{0x10_0000, 3, true},
		{0x10_1000, 0, false},
	}
	for _, c := range cases {
		got, err := m.find(c.addr)
		if c.ok {
			if err != nil {
				t.Fatalf("find(%#x): %v", c.addr, err)
			}
			if got.Key != c.key {
				t.Fatalf("find(%#x).Key = %d, want %d", c.addr, got.Key, c.key)
			}
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("find(%#x) = %v, want ErrNotFound", c.addr, err)
		}
	}
}

func TestTrapMapOverlap(t *testing.T) {
	m := newTrapMap()
	if err := m.insert(&Trap{Kind: TrapMem, Base: 0x4000, Size: 0x3000}); err != nil {
		t.Fatal(err)
	}

	overlapping := []Trap{
		{Kind: TrapMem, Base: 0x4000, Size: 0x3000}, // identical
		{Kind: TrapMem, Base: 0x3000, Size: 0x2000}, // tail overlaps head
		{Kind: TrapMem, Base: 0x6000, Size: 0x2000}, // head overlaps tail
		{Kind: TrapMem, Base: 0x5000, Size: 0x1000}, // inside
		{Kind: TrapMem, Base: 0x3000, Size: 0x5000}, // covers
	}
	for _, o := range overlapping {
		o := o
		if err := m.insert(&o); !errors.Is(err, ErrAlreadyExists) {
			t.Fatalf("insert [%#x, +%#x) = %v, want ErrAlreadyExists", o.Base, o.Size, err)
		}
	}

	// Failed inserts leave the map untouched.
	if n := m.size(); n != 1 {
		t.Fatalf("size after rejected inserts = %d, want 1", n)
	}

	// Adjacent ranges are fine.
	for _, a := range []Trap{
		{Kind: TrapMem, Base: 0x1000, Size: 0x3000},
		{Kind: TrapMem, Base: 0x7000, Size: 0x1000},
	} {
		a := a
		if err := m.insert(&a); err != nil {
			t.Fatalf("insert adjacent [%#x, +%#x): %v", a.Base, a.Size, err)
		}
	}
}

// Guest-physical and port-IO ranges are distinct address spaces: the same
// numeric range may exist in both, and lookups never cross over.
func TestTrapMapSeparateSpaces(t *testing.T) {
	m := newTrapMap()

	if err := m.insert(&Trap{Kind: TrapMem, Base: 0x1000, Size: 0x1000, Key: 10}); err != nil {
		t.Fatal(err)
	}
	if err := m.insert(&Trap{Kind: TrapIO, Base: 0x1000, Size: 0x1000, Key: 20}); err != nil {
		t.Fatalf("io insert shadowing mem range: %v", err)
	}
	if n := m.size(); n != 2 {
		t.Fatalf("size = %d, want 2", n)
	}

	mem, err := m.find(0x1080)
	if err != nil {
		t.Fatal(err)
	}
	if mem.Key != 10 {
		t.Fatalf("find.Key = %d, want 10", mem.Key)
	}

	io, err := m.findIO(0x1080)
	if err != nil {
		t.Fatal(err)
	}
	if io.Key != 20 {
		t.Fatalf("findIO.Key = %d, want 20", io.Key)
	}

	// An IO-only port is invisible to guest-physical lookups and vice versa.
	if err := m.insert(&Trap{Kind: TrapIO, Base: 0x3f8, Size: 8, Key: 21}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.find(0x3f8); !errors.Is(err, ErrNotFound) {
		t.Fatalf("find(io-only range) = %v, want ErrNotFound", err)
	}
	if _, err := m.findIO(0x8000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("findIO(mem-only range) = %v, want ErrNotFound", err)
	}
}

func TestTrapContains(t *testing.T) {
	tr := &Trap{Kind: TrapBell, Base: 0x2000, Size: 0x1000}
	for addr, want := range map[uint64]bool{
		0x1fff: false,
		0x2000: true,
		0x2fff: true,
		0x3000: false,
	} {
		if got := tr.Contains(addr); got != want {
			t.Fatalf("Contains(%#x) = %v, want %v", addr, got, want)
		}
	}
}
