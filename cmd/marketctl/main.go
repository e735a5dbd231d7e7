package main

import (
	"fmt"
	"os"

	"github.com/atmx/spread-market/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(cli.DefaultOpener, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
