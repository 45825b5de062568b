package main

import (
	"os"

	"orthanc-helper/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
