package main

import (
	"os"

	"github.com/VanDung-dev/HieraMesh/cmd/hieramesh/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
