package vmm

// AddressSpace is the guest-physical address space collaborator (EPT or
// stage-2 translation). The kernel's MMU library implements it in
// production; the gpas package provides a host implementation over
// anonymous mappings.
type AddressSpace interface {
	// UnmapRange removes [addr, addr+size) so later guest accesses fault
	// through the trap path.
	UnmapRange(addr, size uint64) error

	// PageFault handles a demand fault at gpa, establishing a mapping.
	PageFault(gpa uint64) error

	// CreateGuestPtr pins [gpa, gpa+size) and returns a host view of it.
	// The name is a debugging label.
	CreateGuestPtr(gpa, size uint64, name string) (GuestPtr, error)

	// ArchTablePhys returns the physical address of the top-level
	// translation table (EPT pointer / VTTBR base).
	ArchTablePhys() uint64

	// Close releases the address space.
	Close() error
}

// GuestPtr is a pinned host-addressable view of guest physical memory.
type GuestPtr interface {
	// Bytes is the mapped view; writes land in guest memory immediately.
	Bytes() []byte

	Phys() uint64

	Close() error
}

// Port receives guest packets. Queue preserves FIFO order; it fails when
// the port is full or closed, in which case the event is dropped and the
// error surfaces to the resume caller.
type Port interface {
	Queue(pkt Packet) error
}
