package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/osmium-kernel/hyp"
	"github.com/osmium-kernel/hyp/internal/sim"
	"github.com/spf13/cobra"
)

const (
	checkRamBase = 0x4000_0000
	checkRamSize = 1 << 20
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe virtualization capability and report host topology",
	Long: `check walks the extension lifecycle once on this host: it probes the
monitor, enables virtualization mode on every online CPU through pinned
worker threads, creates a guest with two virtual CPUs, and tears it all
down again. Guest entry uses the software monitor, so check exercises
the control plane rather than the hardware.`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	exec := hyp.NewHostExecutor()
	defer exec.Close()

	fmt.Printf("%s %s/%s\n", colorize(colorDim, "host:"), runtime.GOOS, runtime.GOARCH)
	fmt.Printf("%s %d online\n", colorize(colorDim, "cpus:"), exec.NumCPU())
	fmt.Printf("%s %d\n", colorize(colorDim, "page:"), os.Getpagesize())
	fmt.Println()

	m := sim.New(sim.Config{CPUs: exec.NumCPU()})
	if err := step("monitor probe", m.Probe()); err != nil {
		return err
	}

	sys, err := hyp.NewSystem(hyp.WithMonitor(m), hyp.WithExecutor(exec))
	if err := step("control plane init", err); err != nil {
		return err
	}

	space, err := hyp.NewHostAddressSpace(checkRamBase, checkRamSize)
	if err := step("guest address space", err); err != nil {
		return err
	}

	g, err := sys.CreateGuest(cmd.Context(), space)
	if err != nil {
		space.Close()
		return step(fmt.Sprintf("extension enable (%d cpus)", exec.NumCPU()), err)
	}
	step(fmt.Sprintf("extension enable (%d cpus)", exec.NumCPU()), nil)
	slog.Debug("guest created", "enabled", sys.Enabled(), "modelCPUs", m.EnabledCount())

	var vcpus []*hyp.Vcpu
	for i := 0; i < 2; i++ {
		v, err := g.CreateVcpu(checkRamBase)
		if err != nil {
			for _, prev := range vcpus {
				prev.Close()
			}
			g.Close()
			return step("vcpu create", err)
		}
		step(fmt.Sprintf("vcpu %d pinned to cpu %d", v.ID(), v.CPU()), nil)
		vcpus = append(vcpus, v)
	}

	// Vcpus hold guest references; the last close leaves the mode on
	// every CPU.
	for _, v := range vcpus {
		if err := step(fmt.Sprintf("vcpu %d close", v.ID()), v.Close()); err != nil {
			return err
		}
	}
	if err := step("extension disable", g.Close()); err != nil {
		return err
	}
	if sys.Enabled() || m.EnabledCount() != 0 {
		return fmt.Errorf("extension still enabled after last guest closed (model cpus: %d)",
			m.EnabledCount())
	}

	fmt.Println()
	fmt.Println(colorize(colorGreen+colorBold, "control plane ok"))
	return nil
}

// step prints a pass/fail marker for one lifecycle stage.
func step(name string, err error) error {
	if err != nil {
		fmt.Printf("  %s %s\n", colorize(colorRed+colorBold, "✗"), name)
		return err
	}
	fmt.Printf("  %s %s\n", colorize(colorGreen, "✓"), name)
	return nil
}
