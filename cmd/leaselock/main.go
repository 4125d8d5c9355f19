package main

import (
	"os"

	"leaselock/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
