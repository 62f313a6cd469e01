// Package main is the entry point for the vigil inference worker.
package main

import (
	"os"

	"github.com/vigil-video/vigil/cmd/vigil-worker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
