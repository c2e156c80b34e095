// Command hypermemory is the CLI front end for the local-first developer
// memory store: appending events, building indexes, searching across
// layers, and syncing curated knowledge to the remote store.
package main

import (
	"fmt"
	"os"

	"github.com/hypermemory/hypermemory/cmd/hypermemory/cmd"
)

type exitCoder interface {
	ExitCode() int
}

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		code := 1
		if ec, ok := err.(exitCoder); ok {
			code = ec.ExitCode()
		}
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}
}
