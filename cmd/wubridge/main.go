package main

// ============================================================================
// wubridge entry point
// 1. Build the CLI and run it
// 2. Turn a failure into the exit code of its error category
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/workunit-bridge/internal/cli"
	"github.com/ChuLiYu/workunit-bridge/internal/errcode"
)

func main() {
	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(errcode.ExitCode(err))
	}
}
