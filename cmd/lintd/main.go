package main

import (
	"fmt"
	"os"

	"github.com/harun/lintd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lintd:", err)
		os.Exit(1)
	}
}
