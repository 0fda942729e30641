// Command addin-debug starts and tears down Edge diagnostics adapter sessions
// for debugging Office add-ins, and serves them to MCP clients over stdio.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
