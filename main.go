// Command nmsgtool runs an NMSG capture-to-output pipeline.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/nmsg/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
