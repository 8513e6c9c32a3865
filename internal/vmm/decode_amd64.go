//go:build linux && amd64

package vmm

import "fmt"

// regImmediate marks a store whose source is an immediate, not a register.
const regImmediate = 0xff

// decodedAccess is one decoded MMIO instruction: the access shape plus
// either the register completing it or an immediate store payload.
type decodedAccess struct {
	width uint8
	read  bool
	sign  bool
	reg   uint8
	imm   uint64
}

// decodeMMIO decodes the load/store subset guests use against device
// memory: MOV r/m,r and MOV r,r/m (88/89/8A/8B), MOV r/m,imm (C6/C7), and
// the MOVZX/MOVSX loads (0F B6/B7/BE/BF), with operand-size and REX
// prefixes. The effective address is not re-derived; the faulting address
// comes from the exit record.
func decodeMMIO(inst []byte) (decodedAccess, error) {
	var acc decodedAccess

	i := 0
	opsize := uint8(4)
	var rexW, rexR bool

prefixes:
	for i < len(inst) {
		switch b := inst[i]; {
		case b == 0x66:
			opsize = 2
			i++
		case b == 0x67, b == 0x26, b == 0x2e, b == 0x36,
			b == 0x3e, b == 0x64, b == 0x65:
			// address-size and segment overrides change nothing we
			// decode
			i++
		case b >= 0x40 && b <= 0x4f:
			rexW = b&0x8 != 0
			rexR = b&0x4 != 0
			i++
			// REX is always the last prefix
			break prefixes
		default:
			break prefixes
		}
	}
	if i >= len(inst) {
		return acc, fmt.Errorf("hyp: mmio instruction truncated: %w", ErrInvalidArgs)
	}

	wide := opsize
	if rexW {
		wide = 8
	}

	op := inst[i]
	i++
	twoByte := false
	if op == 0x0f {
		if i >= len(inst) {
			return acc, fmt.Errorf("hyp: mmio instruction truncated: %w", ErrInvalidArgs)
		}
		op = inst[i]
		i++
		twoByte = true
	}

	switch {
	case twoByte && op == 0xb6:
		acc = decodedAccess{width: 1, read: true}
	case twoByte && op == 0xb7:
		acc = decodedAccess{width: 2, read: true}
	case twoByte && op == 0xbe:
		acc = decodedAccess{width: 1, read: true, sign: true}
	case twoByte && op == 0xbf:
		acc = decodedAccess{width: 2, read: true, sign: true}
	case !twoByte && op == 0x88:
		acc = decodedAccess{width: 1}
	case !twoByte && op == 0x89:
		acc = decodedAccess{width: wide}
	case !twoByte && op == 0x8a:
		acc = decodedAccess{width: 1, read: true}
	case !twoByte && op == 0x8b:
		acc = decodedAccess{width: wide, read: true}
	case !twoByte && op == 0xc6:
		acc = decodedAccess{width: 1}
	case !twoByte && op == 0xc7:
		acc = decodedAccess{width: wide}
	default:
		return acc, fmt.Errorf("hyp: mmio opcode %#x: %w", op, ErrNotSupported)
	}

	if i >= len(inst) {
		return acc, fmt.Errorf("hyp: mmio instruction truncated: %w", ErrInvalidArgs)
	}
	modrm := inst[i]
	i++

	mod := modrm >> 6
	if mod == 3 {
		return acc, fmt.Errorf("hyp: mmio instruction with register operand: %w", ErrInvalidArgs)
	}

	acc.reg = modrm >> 3 & 7
	if rexR {
		acc.reg |= 8
	}

	if op != 0xc6 && op != 0xc7 {
		return acc, nil
	}

	// Immediate stores: the /0 extension is the only MOV form, and the
	// payload sits past the SIB byte and displacement.
	if acc.reg&7 != 0 {
		return acc, fmt.Errorf("hyp: mmio opcode %#x /%d: %w", op, acc.reg&7, ErrNotSupported)
	}
	acc.reg = regImmediate

	if modrm&7 == 4 {
		i++ // SIB
	}
	switch {
	case mod == 1:
		i++
	case mod == 2:
		i += 4
	case mod == 0 && modrm&7 == 5:
		i += 4 // RIP-relative
	}

	size := int(acc.width)
	if acc.width == 8 {
		size = 4 // imm32, sign-extended
	}
	if i+size > len(inst) {
		return acc, fmt.Errorf("hyp: mmio instruction truncated: %w", ErrInvalidArgs)
	}

	var imm uint64
	for k := 0; k < size; k++ {
		imm |= uint64(inst[i+k]) << (8 * k)
	}
	if acc.width == 8 {
		imm = extendValue(imm, 4, true)
	}
	acc.imm = imm

	return acc, nil
}
