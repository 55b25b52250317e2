package main

import (
	"os"

	"picopass/cmd/picopass/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
