package main

import (
	"github.com/shizukutanaka/mamori/cmd/mamori/commands"
)

func main() {
	commands.Execute()
}
