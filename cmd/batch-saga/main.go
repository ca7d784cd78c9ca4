package main

// ============================================================================
// Batch-Saga entry point
//   1. build the cobra command tree (internal/cli)
//   2. execute it and report top-level errors
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/batch-saga/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
