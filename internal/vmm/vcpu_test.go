package vmm

import "testing"

func TestExtendValue(t *testing.T) {
	cases := []struct {
		data  uint64
		width uint8
		sign  bool
		want  uint64
	}{
		{0xff, 1, false, 0xff},
		{0xff, 1, true, 0xffff_ffff_ffff_ffff},
		{0x7f, 1, true, 0x7f},
		{0x8000, 2, true, 0xffff_ffff_ffff_8000},
		{0xdead_8000, 2, false, 0x8000},
		{0x8000_0000, 4, true, 0xffff_ffff_8000_0000},
		{0xaaaa_bbbb_cccc_dddd, 4, false, 0xcccc_dddd},
		{0xaaaa_bbbb_cccc_dddd, 8, true, 0xaaaa_bbbb_cccc_dddd},
		{0x12, 8, false, 0x12},
	}
	for _, c := range cases {
		if got := extendValue(c.data, c.width, c.sign); got != c.want {
			t.Fatalf("extendValue(%#x, %d, %v) = %#x, want %#x", c.data, c.width, c.sign, got, c.want)
		}
	}
}
