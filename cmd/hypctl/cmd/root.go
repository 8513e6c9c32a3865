package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

var stdoutTTY = term.IsTerminal(int(os.Stdout.Fd()))

// colorize wraps text in ANSI color codes if stdout is a terminal.
func colorize(code, text string) string {
	if !stdoutTTY {
		return text
	}
	return code + text + colorReset
}

var debugLog bool

var rootCmd = &cobra.Command{
	Use:   "hypctl",
	Short: "Inspect and exercise the virtualization control plane",
	Long: `hypctl drives the guest control plane against the bundled software
monitor: it probes capability and topology, replays scenario files on
scripted virtual CPUs, and decodes exit traces.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if debugLog {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}
