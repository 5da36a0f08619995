package main

import (
	"os"

	"github.com/islserver/server/internal/cli"
)

func main() {
	if cli.IsChild() {
		os.Exit(cli.RunChild())
		return
	}
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
