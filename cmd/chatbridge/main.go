// Package main is the entry point for the chatbridge CLI.
package main

import (
	"os"

	"github.com/tabletoptime/chatbridge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
