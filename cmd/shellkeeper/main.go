package main

import "github.com/gluk-w/claworc/shellkeeper/cmd/shellkeeper/commands"

func main() {
	commands.Execute()
}
