package main

import (
	"os"

	"github.com/austindbirch/harbor_dispatch/cmd/hookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
