package main

import (
	"os"

	"github.com/burhanwani/WhatsAppSimulator/cmd/relayctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
