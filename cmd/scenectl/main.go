// Command scenectl composes scene stages from stored layers, queries them,
// authors edits and serves them over HTTP.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
