//go:build linux && amd64

package vmm

import (
	"fmt"
	"unsafe"
)

// VmcsField is a VMCS component encoding (Intel SDM Vol 3, Appendix B).
// Bits [14:13] encode the access width: 0 is 16-bit, 1 is 64-bit, 2 is
// 32-bit, 3 is natural width.
type VmcsField uint32

const (
	VmcsVpid VmcsField = 0x0000

	VmcsMsrBitmap  VmcsField = 0x2004
	VmcsEptPointer VmcsField = 0x201a

	VmcsGuestPhysicalAddress VmcsField = 0x2400

	VmcsLinkPointer VmcsField = 0x2800
	VmcsGuestPat    VmcsField = 0x2804
	VmcsGuestEfer   VmcsField = 0x2806

	VmcsPinControls           VmcsField = 0x4000
	VmcsProcControls          VmcsField = 0x4002
	VmcsExceptionBitmap       VmcsField = 0x4004
	VmcsExitControls          VmcsField = 0x400c
	VmcsEntryControls         VmcsField = 0x4012
	VmcsEntryInterruptionInfo VmcsField = 0x4016
	VmcsProcControls2         VmcsField = 0x401e

	VmcsInstructionError      VmcsField = 0x4400
	VmcsExitReason            VmcsField = 0x4402
	VmcsExitInterruptionInfo  VmcsField = 0x4404
	VmcsExitInstructionLength VmcsField = 0x440c

	VmcsGuestInterruptibility VmcsField = 0x4824
	VmcsGuestActivityState    VmcsField = 0x4826
	VmcsGuestSysenterCs       VmcsField = 0x482a

	VmcsExitQualification VmcsField = 0x6400

	VmcsGuestCr0         VmcsField = 0x6800
	VmcsGuestCr3         VmcsField = 0x6802
	VmcsGuestCr4         VmcsField = 0x6804
	VmcsGuestFsBase      VmcsField = 0x680e
	VmcsGuestGsBase      VmcsField = 0x6810
	VmcsGuestSysenterEsp VmcsField = 0x6824
	VmcsGuestSysenterEip VmcsField = 0x6826
)

// Control bits used by the dispatcher and guard.
const (
	pinExternalInterruptExiting uint64 = 1 << 0

	procInterruptWindowExiting uint64 = 1 << 2
	procHltExiting             uint64 = 1 << 7
	procUncondIOExiting        uint64 = 1 << 24
	procUseMsrBitmaps          uint64 = 1 << 28
	procSecondaryControls      uint64 = 1 << 31

	proc2EnableEpt         uint64 = 1 << 1
	proc2EnableVpid        uint64 = 1 << 5
	proc2UnrestrictedGuest uint64 = 1 << 7

	exitHostAddressSpaceSize uint64 = 1 << 9
	exitAckInterruptOnExit   uint64 = 1 << 15

	entryIA32eModeGuest uint64 = 1 << 9

	// VM-entry interruption-information format.
	interruptionValid      uint64 = 1 << 31
	interruptionTypeExtInt uint64 = 0 << 8

	// Guest interruptibility state.
	interruptibilityStiBlocking   uint64 = 1 << 0
	interruptibilityMovSsBlocking uint64 = 1 << 1
)

// vmcsLayout lists every field this control plane maintains. Each field
// occupies one 8-byte slot in the data area; the architectural region
// layout is implementation-defined and accessed only through encodings,
// exactly like hardware VMCS regions.
var vmcsLayout = []VmcsField{
	VmcsVpid,
	VmcsMsrBitmap,
	VmcsEptPointer,
	VmcsGuestPhysicalAddress,
	VmcsLinkPointer,
	VmcsGuestPat,
	VmcsGuestEfer,
	VmcsPinControls,
	VmcsProcControls,
	VmcsExceptionBitmap,
	VmcsExitControls,
	VmcsEntryControls,
	VmcsEntryInterruptionInfo,
	VmcsProcControls2,
	VmcsInstructionError,
	VmcsExitReason,
	VmcsExitInterruptionInfo,
	VmcsExitInstructionLength,
	VmcsGuestInterruptibility,
	VmcsGuestActivityState,
	VmcsGuestSysenterCs,
	VmcsExitQualification,
	VmcsGuestCr0,
	VmcsGuestCr3,
	VmcsGuestCr4,
	VmcsGuestFsBase,
	VmcsGuestGsBase,
	VmcsGuestSysenterEsp,
	VmcsGuestSysenterEip,
}

// Data area starts past the revision id and abort indicator words.
const vmcsDataOffset = 8

var vmcsOffsets = func() map[VmcsField]uint32 {
	m := make(map[VmcsField]uint32, len(vmcsLayout))
	for i, f := range vmcsLayout {
		m[f] = uint32(vmcsDataOffset + i*8)
	}
	return m
}()

// Vmcs is one vcpu's control structure: a 4KiB region addressed only
// through field encodings. The revision id sits at offset 0 as VMPTRLD
// expects.
type Vmcs struct {
	page [4096]byte
}

// NewVmcs returns a zeroed region. The revision word at offset 0 belongs
// to the Monitor, which stamps it before the first VMPTRLD.
func NewVmcs() *Vmcs {
	return &Vmcs{}
}

// SetRevision stamps the VMX revision id at offset 0.
func (v *Vmcs) SetRevision(revision uint32) {
	*(*uint32)(unsafe.Pointer(&v.page[0])) = revision
}

func (v *Vmcs) fieldPointer(f VmcsField) unsafe.Pointer {
	off, ok := vmcsOffsets[f]
	if !ok {
		// Touching an undeclared field mirrors a failed VMREAD: a
		// programming error, not a guest-recoverable condition.
		panic(fmt.Sprintf("hyp: vmcs: unknown field %#x", uint32(f)))
	}
	return unsafe.Pointer(&v.page[off])
}

// Read returns the field value, truncated to its architectural width.
func (v *Vmcs) Read(f VmcsField) uint64 {
	p := v.fieldPointer(f)
	switch (f >> 13) & 3 {
	case 0:
		return uint64(*(*uint16)(p))
	case 2:
		return uint64(*(*uint32)(p))
	default:
		return *(*uint64)(p)
	}
}

// Write stores the field value, truncated to its architectural width.
func (v *Vmcs) Write(f VmcsField, val uint64) {
	p := v.fieldPointer(f)
	switch (f >> 13) & 3 {
	case 0:
		*(*uint16)(p) = uint16(val)
	case 2:
		*(*uint32)(p) = uint32(val)
	default:
		*(*uint64)(p) = val
	}
}

// SetBits ors bits into a control field.
func (v *Vmcs) SetBits(f VmcsField, bits uint64) {
	v.Write(f, v.Read(f)|bits)
}

// ClearBits removes bits from a control field.
func (v *Vmcs) ClearBits(f VmcsField, bits uint64) {
	v.Write(f, v.Read(f)&^bits)
}
