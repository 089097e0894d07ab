// Command ag-relay sends prompts to an agent CLI or API and relays the
// answer, one-shot, streamed to the terminal, or over HTTP.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
