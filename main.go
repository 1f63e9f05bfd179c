package main

import "character-chat/cli"

var (
	version = "0.1.0"
)

func main() {
	cli.Execute(version)
}
