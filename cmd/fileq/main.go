//go:build unix

// Command fileq produces, consumes, inspects and monitors file-backed queue
// topics.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
