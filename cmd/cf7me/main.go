package main

import (
	"github.com/cf7me/confirmflow/cmd/cf7me/commands"
)

func main() {
	commands.Execute()
}
