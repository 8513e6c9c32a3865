package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/osmium-kernel/hyp"
	"github.com/osmium-kernel/hyp/internal/scenario"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	selftestFile  string
	selftestRuns  int
	selftestTrace string
)

func init() {
	rootCmd.AddCommand(selftestCmd)
	selftestCmd.Flags().StringVarP(&selftestFile, "scenario", "f", "", "scenario yaml file (default: built-in selftest)")
	selftestCmd.Flags().IntVarP(&selftestRuns, "runs", "n", 1, "number of runs")
	selftestCmd.Flags().StringVar(&selftestTrace, "trace", "", "write an exit trace to this file")
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Replay a guest scenario and verify its expectations",
	Long: `selftest plays a scenario against a fresh guest on the software
monitor: scripted virtual CPUs print to the emulated console, touch
unmapped pages and ring bells, and the run fails if the final screen or
the packet counters differ from the scenario's expectations.

Without -f the built-in selftest scenario is used.`,
	RunE: runSelftest,
}

func runSelftest(cmd *cobra.Command, args []string) error {
	if selftestRuns < 1 {
		return fmt.Errorf("runs must be positive, got %d", selftestRuns)
	}

	sc := scenario.Selftest()
	if selftestFile != "" {
		var err error
		if sc, err = scenario.Load(selftestFile); err != nil {
			return err
		}
	}
	slog.Debug("scenario loaded", "name", sc.Name, "vcpus", len(sc.Vcpus))

	var tr *hyp.Trace
	if selftestTrace != "" {
		f, err := os.Create(selftestTrace)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()

		if tr, err = hyp.NewTrace(f); err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
	}

	fmt.Printf("%s %s (%d vcpus, %d runs)\n",
		colorize(colorBold, "scenario"), sc.Name, len(sc.Vcpus), selftestRuns)

	pb := progressbar.Default(int64(selftestRuns))
	defer pb.Close()

	var last *scenario.Result
	var total time.Duration
	for i := 0; i < selftestRuns; i++ {
		res, err := scenario.RunTraced(cmd.Context(), sc, tr)
		if err != nil {
			if res != nil {
				printResult(res)
			}
			return fmt.Errorf("run %d: %w", i+1, err)
		}
		last = res
		total += res.Duration
		pb.Add(1)
	}

	if tr != nil {
		if err := tr.Close(); err != nil {
			return fmt.Errorf("close trace: %w", err)
		}
		fmt.Printf("%s %s\n", colorize(colorDim, "trace:"), selftestTrace)
	}

	printResult(last)
	fmt.Println()
	fmt.Println(colorize(colorGreen+colorBold,
		fmt.Sprintf("passed: %d runs in %s", selftestRuns, total.Round(time.Millisecond))))
	return nil
}

// printResult prints one run's counters and the final console screen.
func printResult(res *scenario.Result) {
	fmt.Println()
	fmt.Println(colorize(colorBold, "counters"))
	for _, c := range []struct {
		name string
		v    uint64
	}{
		{"resumes", res.Stats.Resumes},
		{"exits", res.Stats.Exits},
		{"interrupts", res.Stats.Interrupts},
		{"kicks", res.Stats.Kicks},
		{"blocks", res.Stats.Blocks},
		{"bells", res.Stats.Bells},
		{"packets", res.Stats.Packets},
		{"faults", res.Stats.Faults},
		{"emulated", res.Stats.Emulated},
	} {
		fmt.Printf("  %s %d\n", colorize(colorDim, fmt.Sprintf("%-11s", c.name)), c.v)
	}

	if res.Screen == "" {
		return
	}
	fmt.Println()
	fmt.Println(colorize(colorBold, "console"))
	for _, line := range strings.Split(res.Screen, "\n") {
		fmt.Printf("  %s %s\n", colorize(colorDim, "│"), line)
	}
}
