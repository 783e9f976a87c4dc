package main

import (
	"os"

	"github.com/G-Research/simulator/cmd/simulator/cmd"
	"github.com/G-Research/simulator/internal/common"
)

// Config is handled by cmd/root.go
func main() {
	common.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
