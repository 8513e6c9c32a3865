// Package scenario loads yaml guest descriptions and runs them against the
// software model: a memory layout, per-vcpu scripted exit sequences, and
// the screen and counters expected afterwards.
package scenario

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/osmium-kernel/hyp/internal/console"
)

const pageSize = 4096

// Scenario describes one guest run.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	Guest  GuestConfig  `yaml:"guest"`
	Vcpus  []VcpuScript `yaml:"vcpus"`
	Expect Expectation  `yaml:"expect,omitempty"`
}

// GuestConfig fixes the topology: host CPUs, the RAM window, and the device
// pages carved out of its top.
type GuestConfig struct {
	CPUs     int    `yaml:"cpus,omitempty"`
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`
	RamBase  uint64 `yaml:"ramBase,omitempty"`
	BellBase uint64 `yaml:"bellBase,omitempty"`

	// Input is typed into the console before the scripts run; guests read
	// it back through the data register.
	Input string `yaml:"input,omitempty"`

	Console ConsoleConfig `yaml:"console,omitempty"`
}

type ConsoleConfig struct {
	Base uint64 `yaml:"base,omitempty"`
	Cols int    `yaml:"cols,omitempty"`
	Rows int    `yaml:"rows,omitempty"`
}

func (g *GuestConfig) memBytes() uint64 {
	return g.MemoryMB << 20
}

// VcpuScript is the exit sequence one vcpu plays.
type VcpuScript struct {
	Entry uint64 `yaml:"entry,omitempty"`
	Steps []Step `yaml:"steps"`
}

// Step is a single scripted action. Exactly one field is set.
type Step struct {
	// Print stores the bytes to the console data register, one access per
	// byte.
	Print string `yaml:"print,omitempty"`

	// Read loads that many bytes from the console data register.
	Read int `yaml:"read,omitempty"`

	// Touch demand-faults a RAM address.
	Touch *uint64 `yaml:"touch,omitempty"`

	// Ring stores to the doorbell page.
	Ring bool `yaml:"ring,omitempty"`

	// Hypercall issues a benign conduit call the dispatcher emulates.
	Hypercall bool `yaml:"hypercall,omitempty"`
}

func (st *Step) actions() int {
	n := 0
	if st.Print != "" {
		n++
	}
	if st.Read > 0 {
		n++
	}
	if st.Touch != nil {
		n++
	}
	if st.Ring {
		n++
	}
	if st.Hypercall {
		n++
	}
	return n
}

// Expectation is checked against the run result.
type Expectation struct {
	// ScreenHas lists substrings the rendered console must contain.
	ScreenHas []string `yaml:"screenHas,omitempty"`

	Counters CounterExpect `yaml:"counters,omitempty"`
}

// CounterExpect pins summed vcpu counters. Nil fields are unchecked.
type CounterExpect struct {
	Packets  *uint64 `yaml:"packets,omitempty"`
	Bells    *uint64 `yaml:"bells,omitempty"`
	Faults   *uint64 `yaml:"faults,omitempty"`
	Emulated *uint64 `yaml:"emulated,omitempty"`
}

func (s *Scenario) normalize() {
	if s.Name == "" {
		s.Name = "scenario"
	}
	if s.Guest.MemoryMB == 0 {
		s.Guest.MemoryMB = 1
	}
	if s.Guest.RamBase == 0 {
		s.Guest.RamBase = 0x4000_0000
	}
	// One host CPU per vcpu keeps the scripted queues private.
	if s.Guest.CPUs < len(s.Vcpus) {
		s.Guest.CPUs = len(s.Vcpus)
	}
	if s.Guest.CPUs == 0 {
		s.Guest.CPUs = 1
	}

	top := s.Guest.RamBase + s.Guest.memBytes()
	if s.Guest.Console.Base == 0 {
		s.Guest.Console.Base = top - pageSize
	}
	if s.Guest.BellBase == 0 {
		s.Guest.BellBase = top - 2*pageSize
	}
	if s.Guest.Console.Cols == 0 {
		s.Guest.Console.Cols = console.DefaultCols
	}
	if s.Guest.Console.Rows == 0 {
		s.Guest.Console.Rows = console.DefaultRows
	}

	for i := range s.Vcpus {
		if s.Vcpus[i].Entry == 0 {
			s.Vcpus[i].Entry = s.Guest.RamBase
		}
	}
}

func (s *Scenario) validate() error {
	if len(s.Vcpus) == 0 {
		return fmt.Errorf("scenario %q: no vcpus", s.Name)
	}

	base := s.Guest.RamBase
	size := s.Guest.memBytes()
	inRam := func(addr, n uint64) bool {
		return addr >= base && addr+n <= base+size && addr+n > addr
	}

	if s.Guest.Console.Base%pageSize != 0 || !inRam(s.Guest.Console.Base, pageSize) {
		return fmt.Errorf("scenario %q: bad console window %#x", s.Name, s.Guest.Console.Base)
	}
	if s.Guest.BellBase%pageSize != 0 || !inRam(s.Guest.BellBase, pageSize) {
		return fmt.Errorf("scenario %q: bad bell window %#x", s.Name, s.Guest.BellBase)
	}

	inDevice := func(addr uint64) bool {
		return (addr >= s.Guest.Console.Base && addr < s.Guest.Console.Base+pageSize) ||
			(addr >= s.Guest.BellBase && addr < s.Guest.BellBase+pageSize)
	}

	for i, vs := range s.Vcpus {
		if !inRam(vs.Entry, 4) {
			return fmt.Errorf("scenario %q: vcpu %d entry %#x outside guest memory", s.Name, i, vs.Entry)
		}
		for j, st := range vs.Steps {
			switch n := st.actions(); {
			case n == 0:
				return fmt.Errorf("scenario %q: vcpu %d step %d has no action", s.Name, i, j)
			case n > 1:
				return fmt.Errorf("scenario %q: vcpu %d step %d has %d actions, want one", s.Name, i, j, n)
			}
			if st.Touch != nil {
				switch {
				case !inRam(*st.Touch, 4):
					return fmt.Errorf("scenario %q: vcpu %d step %d touches %#x outside guest memory", s.Name, i, j, *st.Touch)
				case inDevice(*st.Touch):
					return fmt.Errorf("scenario %q: vcpu %d step %d touches device window %#x", s.Name, i, j, *st.Touch)
				}
			}
		}
	}
	return nil
}

// usesBell reports whether any script rings the doorbell.
func (s *Scenario) usesBell() bool {
	for _, vs := range s.Vcpus {
		for _, st := range vs.Steps {
			if st.Ring {
				return true
			}
		}
	}
	return false
}

// Parse decodes, defaults and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	sc.normalize()
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(data)
}

//go:embed selftest.yaml
var selftestYAML []byte

// Selftest is the built-in scenario the CLI runs when none is given.
func Selftest() *Scenario {
	sc, err := Parse(selftestYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in selftest scenario: %v", err))
	}
	return sc
}
