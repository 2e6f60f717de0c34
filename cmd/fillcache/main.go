// Command fillcache serves a read-through cache in front of a slow upstream
// lookup service. Values and fill locks live in a shared store, so any number
// of fillcache processes fetch a missing key from upstream once at a time.
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
