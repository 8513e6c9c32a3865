package vmm

// PacketKind discriminates the payload of a Packet.
type PacketKind uint8

const (
	PacketGuestBell PacketKind = iota + 1
	PacketGuestMem
	PacketGuestIO
	PacketGuestVcpu
)

func (k PacketKind) String() string {
	switch k {
	case PacketGuestBell:
		return "bell"
	case PacketGuestMem:
		return "mem"
	case PacketGuestIO:
		return "io"
	case PacketGuestVcpu:
		return "vcpu"
	default:
		return "unknown"
	}
}

// Packet is the unit of the VM-exit protocol. Bell packets are queued to
// the trap's port and never reach the resume caller; Mem and IO packets are
// returned from Resume, and for reads the caller deposits the result in
// Data before the next Resume completes the access. Vcpu packets announce
// secondary-CPU startup requests.
type Packet struct {
	Kind PacketKind

	// Key is the trap key the packet was matched against, or the guest
	// startup-port key for Vcpu packets.
	Key uint64

	Bell BellEvent
	Mem  MemAccess
	IO   IOAccess
	Vcpu VcpuEvent
}

// BellEvent records the faulting address of a bell trap hit.
type BellEvent struct {
	Addr uint64
}

// MemAccess describes one decoded guest memory access awaiting emulation.
type MemAccess struct {
	// Addr is the faulting guest-physical address.
	Addr uint64

	// Access width in bytes: 1, 2, 4 or 8.
	Width uint8

	// Read is true for loads. For loads the emulator writes the value
	// into Data; for stores Data already holds the guest's operand.
	Read bool

	// SignExtend: sign-extend the loaded value into the register.
	SignExtend bool

	// Reg is the guest register completing the access (load target or
	// store source).
	Reg uint8

	Data uint64
}

// IOAccess describes one x86 port-IO access awaiting emulation.
type IOAccess struct {
	Port  uint16
	Width uint8
	Read  bool
	Data  uint32
}

// VcpuEvent carries a PSCI CPU_ON style startup request: bring up the vcpu
// identified by ID at Entry with Context in its first argument register.
type VcpuEvent struct {
	ID      uint64
	Entry   uint64
	Context uint64
}
