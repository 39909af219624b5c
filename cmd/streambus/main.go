package main

import (
	"fmt"
	"os"

	"github.com/trickstertwo/streambus/internal/cmd"
)

func main() {
	if err := cmd.NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "streambus:", err)
		os.Exit(1)
	}
}
