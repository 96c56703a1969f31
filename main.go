package main

import (
	"os"

	"github.com/keyrail/keyrail/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
