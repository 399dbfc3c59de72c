package main

import (
	"os"

	"github.com/ystepanoff/nrftdma/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
