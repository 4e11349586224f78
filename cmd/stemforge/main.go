// Package main is the entry point for the stemforge application.
package main

import (
	"os"

	"github.com/stemforge/stemforge/cmd/stemforge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
