// Package main is the entry point for the vigil edge agent.
package main

import (
	"os"

	"github.com/vigil-video/vigil/cmd/vigil-edge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
