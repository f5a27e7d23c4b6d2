package main

import (
	"os"

	"github.com/edgesim/loadbench/internal/cli"
)

// Main holds the real entry logic so exit codes can be asserted in tests;
// main only wraps it in os.Exit.
func Main() int {
	if err := cli.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(Main())
}
