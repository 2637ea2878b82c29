// Package main is the entry point for the streamdl application.
package main

import (
	"errors"
	"os"

	"github.com/jmylchreest/streamdl/cmd/streamdl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		var exit *cmd.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		os.Exit(1)
	}
}
