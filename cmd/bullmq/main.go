package main

import (
	"os"

	"github.com/VladimirMikulic/bullmq/cmd/bullmq/bullcli"
)

func main() {
	cli := bullcli.NewCLI()

	if err := cli.BaseCommandSet().Execute(); err != nil {
		// Cobra has already printed the error.
		os.Exit(1)
	}
}
