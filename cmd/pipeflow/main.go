// Package main is the entry point for the pipeflow binary.
package main

import (
	"os"

	"pipeflow/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
