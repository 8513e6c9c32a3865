// Package main is the entry point for hypctl, the control-plane
// diagnostic tool.
package main

import (
	"fmt"
	"os"

	"github.com/osmium-kernel/hyp/cmd/hypctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
