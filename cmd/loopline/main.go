package main

import (
	"os"

	"github.com/lazypower/loopline/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
