package main

import (
	"github.com/shizukutanaka/Karite/cmd/karite/commands"
)

func main() {
	commands.Execute()
}
