// Command memoryctl is the operator-facing CLI surface for the memory
// lifecycle engine: run_batch, list, show, delete, protect, unprotect,
// stats, purge_archive, search (spec.md §6).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
