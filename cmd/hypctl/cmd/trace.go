package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/osmium-kernel/hyp"
	"github.com/spf13/cobra"
)

var traceVcpu int

func init() {
	rootCmd.AddCommand(traceCmd)
	traceCmd.Flags().IntVar(&traceVcpu, "vcpu", -1, "only count this vcpu (-1 for all)")
}

var traceCmd = &cobra.Command{
	Use:   "trace <file>",
	Short: "Decode an exit trace and print per-class timings",
	Long: `trace decodes a binary exit trace, as written by selftest --trace or by
any traced system, and prints where world-switch time went: one row per
exit class with its count and total, mean and maximum durations.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

type classTimes struct {
	count      uint64
	total, max time.Duration
}

func runTrace(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	classes := make(map[string]*classTimes)
	vcpus := make(map[uint32]uint64)
	err = hyp.ReadTrace(f, func(vcpu uint32, class string, d time.Duration) error {
		if traceVcpu >= 0 && vcpu != uint32(traceVcpu) {
			return nil
		}
		vcpus[vcpu]++
		ct := classes[class]
		if ct == nil {
			ct = &classTimes{}
			classes[class] = ct
		}
		ct.count++
		ct.total += d
		if d > ct.max {
			ct.max = d
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("decode %s: %w", args[0], err)
	}
	if len(classes) == 0 {
		fmt.Println("no exits recorded")
		return nil
	}

	names := make([]string, 0, len(classes))
	for name := range classes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return classes[names[i]].total > classes[names[j]].total
	})

	fmt.Println(colorize(colorDim,
		fmt.Sprintf("%-18s %8s %12s %12s %12s", "class", "count", "total", "mean", "max")))
	var exits uint64
	var total time.Duration
	for _, name := range names {
		ct := classes[name]
		fmt.Printf("%-18s %8d %12s %12s %12s\n",
			name, ct.count, ct.total, ct.total/time.Duration(ct.count), ct.max)
		exits += ct.count
		total += ct.total
	}

	fmt.Println()
	fmt.Printf("%d exits on %d vcpus, %s in world switches\n", exits, len(vcpus), total)
	return nil
}
