// Command fdsmigrate deploys the FDS contracts to a configured network and
// tracks which migration steps have completed there.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}
