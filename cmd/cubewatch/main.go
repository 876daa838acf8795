// Command cubewatch polls a Cube.js schema file and signals the Cube.js
// server to reload whenever the file's content changes.
package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cubewatch:", err)
		os.Exit(1)
	}
}
