package main

import (
	"os"

	"github.com/dennissolver/tenderwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
