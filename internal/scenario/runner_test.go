//go:build linux

package scenario

import (
	"context"
	"strings"
	"testing"
)

func TestRunSelftest(t *testing.T) {
	res, err := Run(context.Background(), Selftest())
	if err != nil {
		t.Fatal(err)
	}

	if res.Vcpus != 2 {
		t.Fatalf("vcpus = %d, want 2", res.Vcpus)
	}
	if want := "hypervisor selftest\nconsole ok"; res.Screen != want {
		t.Fatalf("screen = %q, want %q", res.Screen, want)
	}
	if res.Stats.Packets != 35 || res.Stats.Faults != 3 || res.Stats.Bells != 1 || res.Stats.Emulated != 1 {
		t.Fatalf("stats = %+v", res.Stats)
	}
}

func TestRunConsoleEcho(t *testing.T) {
	sc, err := Parse([]byte(`
name: echo
guest:
  input: "hi"
vcpus:
  - steps:
      - read: 2
      - print: "done"
`))
	if err != nil {
		t.Fatal(err)
	}

	res, err := Run(context.Background(), sc)
	if err != nil {
		t.Fatal(err)
	}
	if res.Screen != "done" {
		t.Fatalf("screen = %q, want %q", res.Screen, "done")
	}
	// 2 reads, 4 prints, 1 poweroff poke.
	if res.Stats.Packets != 7 {
		t.Fatalf("packets = %d, want 7", res.Stats.Packets)
	}
}

func TestRunExpectationFailure(t *testing.T) {
	sc, err := Parse([]byte(`
name: wishful
vcpus:
  - steps:
      - print: "a"
expect:
  screenHas:
    - "missing line"
`))
	if err != nil {
		t.Fatal(err)
	}

	res, err := Run(context.Background(), sc)
	if err == nil || !strings.Contains(err.Error(), "screen missing") {
		t.Fatalf("Run = %v, want a screen expectation failure", err)
	}
	if res == nil || res.Screen != "a" {
		t.Fatalf("result withheld on expectation failure: %+v", res)
	}
}

func TestRunCounterMismatch(t *testing.T) {
	sc, err := Parse([]byte(`
name: miscounted
vcpus:
  - steps:
      - print: "a"
expect:
  counters:
    packets: 99
`))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Run(context.Background(), sc); err == nil || !strings.Contains(err.Error(), "packets = 2, want 99") {
		t.Fatalf("Run = %v, want a counter mismatch", err)
	}
}
