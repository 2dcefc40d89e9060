// Package main provides the entry point for the fotopoisk CLI.
package main

import (
	"os"

	"fotopoisk/cmd/fotopoisk/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
