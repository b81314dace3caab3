package main

import (
	"os"

	"github.com/clinharbor/trialmatch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
