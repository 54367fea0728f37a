package main

import (
	"os"

	"github.com/ZentaChain/zentalk-chat/cmd/chat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
