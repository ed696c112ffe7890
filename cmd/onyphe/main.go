package main

import (
	"os"

	"github.com/Sternrassler/onyphe-client/internal/cli"
)

var (
	version   = ""
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, buildTime)
	os.Exit(cli.Execute())
}
