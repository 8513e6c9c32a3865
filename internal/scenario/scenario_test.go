package scenario

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseDefaults(t *testing.T) {
	got, err := Parse([]byte(`
vcpus:
  - steps:
      - print: "x"
`))
	if err != nil {
		t.Fatal(err)
	}

	want := &Scenario{
		Name: "scenario",
		Guest: GuestConfig{
			CPUs:     1,
			MemoryMB: 1,
			RamBase:  0x4000_0000,
			BellBase: 0x400f_e000,
			Console: ConsoleConfig{
				Base: 0x400f_f000,
				Cols: 80,
				Rows: 24,
			},
		},
		Vcpus: []VcpuScript{{
			Entry: 0x4000_0000,
			Steps: []Step{{Print: "x"}},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("scenario mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"no vcpus", "name: empty\n", "no vcpus"},
		{"empty step", "vcpus:\n  - steps:\n      - {}\n", "no action"},
		{"two actions", "vcpus:\n  - steps:\n      - print: \"x\"\n        ring: true\n", "actions, want one"},
		{"touch outside ram", "vcpus:\n  - steps:\n      - touch: 0x1000\n", "outside guest memory"},
		{"touch device window", "vcpus:\n  - steps:\n      - touch: 0x400ff008\n", "device window"},
		{"entry outside ram", "vcpus:\n  - entry: 0x9000000000\n    steps:\n      - print: \"x\"\n", "outside guest memory"},
		{"unaligned console base", "guest:\n  console:\n    base: 0x40000008\nvcpus:\n  - steps:\n      - print: \"x\"\n", "bad console window"},
		{"bell window outside ram", "guest:\n  bellBase: 0x50000000\nvcpus:\n  - steps:\n      - print: \"x\"\n", "bad bell window"},
		{"bad yaml", "vcpus: [", "parse scenario"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.doc))
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("Parse = %v, want %q", err, c.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	if err := os.WriteFile(path, []byte("vcpus:\n  - steps:\n      - print: \"ok\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sc, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Name != "scenario" || len(sc.Vcpus) != 1 {
		t.Fatalf("loaded scenario = %+v", sc)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("load of a missing file succeeded")
	}
}

func TestSelftestScenario(t *testing.T) {
	sc := Selftest()

	if sc.Name != "selftest" {
		t.Fatalf("name = %q, want selftest", sc.Name)
	}
	if len(sc.Vcpus) != 2 || sc.Guest.CPUs != 2 {
		t.Fatalf("topology = %d vcpus on %d cpus, want 2 on 2", len(sc.Vcpus), sc.Guest.CPUs)
	}
	if !sc.usesBell() {
		t.Fatal("selftest does not ring the bell")
	}
}
