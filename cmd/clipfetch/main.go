package main

import (
	"os"

	"github.com/psantana5/clip-prefetch/cmd/clipfetch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
