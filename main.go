package main

import (
	"fmt"
	"os"

	"github.com/openpulse/pulse/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "pulse: %v\n", err)
		os.Exit(1)
	}
}
