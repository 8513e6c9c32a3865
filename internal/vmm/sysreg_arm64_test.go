//go:build linux && arm64

package vmm

import "testing"

// issFor builds the ESR_EL2 EC 0b011000 syndrome for a register access,
// the inverse of decodeSysRegAccess.
func issFor(op0, op1, crn, crm, op2 uint32, rt uint8, read bool) uint32 {
	iss := op0<<20 | op2<<17 | op1<<14 | crn<<10 | uint32(rt)<<5 | crm<<1
	if read {
		iss |= 1
	}
	return iss
}

func TestDecodeSysRegAccess(t *testing.T) {
	cases := []struct {
		name string
		iss  uint32
		want sysRegAccess
	}{
		{"mrs sctlr", issFor(3, 0, 1, 0, 0, 5, true),
			sysRegAccess{reg: sysRegSctlrEl1, rt: 5, read: true}},
		{"msr sctlr", issFor(3, 0, 1, 0, 0, 0, false),
			sysRegAccess{reg: sysRegSctlrEl1, rt: 0}},
		{"msr ttbr1", issFor(3, 0, 2, 0, 1, 30, false),
			sysRegAccess{reg: sysRegTtbr1El1, rt: 30}},
		{"mrs cntv_ctl", issFor(3, 3, 14, 3, 1, 12, true),
			sysRegAccess{reg: sysRegCntvCtlEl0, rt: 12, read: true}},
		{"msr cntv_cval", issFor(3, 3, 14, 3, 2, 7, false),
			sysRegAccess{reg: sysRegCntvCvalEl0, rt: 7}},
	}
	for _, c := range cases {
		if got := decodeSysRegAccess(c.iss); got != c.want {
			t.Fatalf("%s: decodeSysRegAccess(%#x) = %+v, want %+v", c.name, c.iss, got, c.want)
		}
	}
}

func TestSysRegStateField(t *testing.T) {
	var s SysRegState

	slots := map[uint32]*uint64{
		sysRegSctlrEl1:    &s.Sctlr,
		sysRegTtbr0El1:    &s.Ttbr0,
		sysRegTtbr1El1:    &s.Ttbr1,
		sysRegTcrEl1:      &s.Tcr,
		sysRegMairEl1:     &s.Mair,
		sysRegVbarEl1:     &s.Vbar,
		sysRegCntvCtlEl0:  &s.CntvCtl,
		sysRegCntvCvalEl0: &s.CntvCval,
	}
	for reg, want := range slots {
		if got := s.field(reg); got != want {
			t.Fatalf("field(%#x) = %p, want %p", reg, got, want)
		}
	}

	// ESR_EL1 is context-switched, not trapped.
	if got := s.field(sysReg(3, 0, 5, 2, 0)); got != nil {
		t.Fatalf("field(untrapped) = %p, want nil", got)
	}
}
