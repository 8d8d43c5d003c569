package main

import (
	"os"

	"github.com/nomad-lab/nomad-core/cmd/nomad/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		commands.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}
