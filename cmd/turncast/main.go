// turncast runs coding-agent turns server-side and broadcasts each turn as
// an ordered event stream observers can attach to, detach from, and resume.
package main

import (
	"fmt"
	"os"

	"github.com/turncast/turncast/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
