// Package main is the entry point for the Warden alert correlation and response service.
package main

import (
	"context"
	"fmt"
	"os"

	"warden/cmd"
)

func main() {
	root := cmd.NewRootCmd()

	// With no subcommand the binary runs the service
	if len(os.Args) == 1 {
		root.SetArgs([]string{"serve"})
	}

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
