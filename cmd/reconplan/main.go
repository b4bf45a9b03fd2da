package main

import (
	"os"

	"github.com/seclabs/reconplan/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
