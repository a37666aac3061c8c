package main

import (
	"github.com/motorhub/notifq/cmd/notifq/commands"
)

func main() {
	commands.Execute()
}
