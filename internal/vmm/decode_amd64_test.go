//go:build linux && amd64

package vmm

import (
	"errors"
	"testing"
)

func TestDecodeMMIO(t *testing.T) {
	cases := []struct {
		name string
		inst []byte
		want decodedAccess
	}{
		{"load32", []byte{0x8b, 0x00}, decodedAccess{width: 4, read: true, reg: 0}},
		{"load64", []byte{0x48, 0x8b, 0x08}, decodedAccess{width: 8, read: true, reg: 1}},
		{"load16", []byte{0x66, 0x8b, 0x18}, decodedAccess{width: 2, read: true, reg: 3}},
		{"load8", []byte{0x8a, 0x10}, decodedAccess{width: 1, read: true, reg: 2}},
		{"load32 high reg", []byte{0x44, 0x8b, 0x28}, decodedAccess{width: 4, read: true, reg: 13}},
		{"movzx8", []byte{0x0f, 0xb6, 0x38}, decodedAccess{width: 1, read: true, reg: 7}},
		{"movzx16", []byte{0x0f, 0xb7, 0x30}, decodedAccess{width: 2, read: true, reg: 6}},
		{"movsx8", []byte{0x48, 0x0f, 0xbe, 0x00}, decodedAccess{width: 1, read: true, sign: true, reg: 0}},
		{"movsx16", []byte{0x0f, 0xbf, 0x08}, decodedAccess{width: 2, read: true, sign: true, reg: 1}},

		{"store32", []byte{0x89, 0x18}, decodedAccess{width: 4, reg: 3}},
		{"store64", []byte{0x48, 0x89, 0x30}, decodedAccess{width: 8, reg: 6}},
		{"store16", []byte{0x66, 0x89, 0x08}, decodedAccess{width: 2, reg: 1}},
		{"store8", []byte{0x88, 0x18}, decodedAccess{width: 1, reg: 3}},
		{"store64 high reg", []byte{0x4c, 0x89, 0x08}, decodedAccess{width: 8, reg: 9}},

		{"segment override", []byte{0x65, 0x8b, 0x00}, decodedAccess{width: 4, read: true, reg: 0}},
		{"address size", []byte{0x67, 0x8b, 0x00}, decodedAccess{width: 4, read: true, reg: 0}},

		{"imm8", []byte{0xc6, 0x00, 0x7f},
			decodedAccess{width: 1, reg: regImmediate, imm: 0x7f}},
		{"imm16", []byte{0x66, 0xc7, 0x00, 0x34, 0x12},
			decodedAccess{width: 2, reg: regImmediate, imm: 0x1234}},
		{"imm32", []byte{0xc7, 0x00, 0x78, 0x56, 0x34, 0x12},
			decodedAccess{width: 4, reg: regImmediate, imm: 0x12345678}},
		{"imm64 sign extended", []byte{0x48, 0xc7, 0x00, 0xfe, 0xff, 0xff, 0xff},
			decodedAccess{width: 8, reg: regImmediate, imm: 0xffff_ffff_ffff_fffe}},
		{"imm past disp8", []byte{0xc7, 0x40, 0x04, 0x01, 0x00, 0x00, 0x00},
			decodedAccess{width: 4, reg: regImmediate, imm: 1}},
		{"imm past disp32", []byte{0xc7, 0x80, 0x00, 0x10, 0x00, 0x00, 0x2a, 0x00, 0x00, 0x00},
			decodedAccess{width: 4, reg: regImmediate, imm: 42}},
		{"imm past sib", []byte{0xc6, 0x04, 0x24, 0xab},
			decodedAccess{width: 1, reg: regImmediate, imm: 0xab}},
		{"imm past rip disp", []byte{0xc7, 0x05, 0x10, 0x00, 0x00, 0x00, 0xef, 0xbe, 0xad, 0xde},
			decodedAccess{width: 4, reg: regImmediate, imm: 0xdeadbeef}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := decodeMMIO(c.inst)
			if err != nil {
				t.Fatalf("decodeMMIO(% x): %v", c.inst, err)
			}
			if got != c.want {
				t.Fatalf("decodeMMIO(% x) = %+v, want %+v", c.inst, got, c.want)
			}
		})
	}
}

func TestDecodeMMIOErrors(t *testing.T) {
	cases := []struct {
		name string
		inst []byte
		want error
	}{
		{"empty", nil, ErrInvalidArgs},
		{"bare rex", []byte{0x48}, ErrInvalidArgs},
		{"bare escape", []byte{0x0f}, ErrInvalidArgs},
		{"missing modrm", []byte{0x8b}, ErrInvalidArgs},
		{"short immediate", []byte{0xc7, 0x00, 0x78, 0x56}, ErrInvalidArgs},
		{"register operand", []byte{0x89, 0xd8}, ErrInvalidArgs},
		{"non-mov opcode", []byte{0xff, 0x30}, ErrNotSupported},
		{"non-mov escape", []byte{0x0f, 0x20, 0x00}, ErrNotSupported},
		{"c7 with extension", []byte{0xc7, 0x08, 0x01, 0x00, 0x00, 0x00}, ErrNotSupported},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := decodeMMIO(c.inst); !errors.Is(err, c.want) {
				t.Fatalf("decodeMMIO(% x) = %v, want %v", c.inst, err, c.want)
			}
		})
	}
}
