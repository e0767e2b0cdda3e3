package main

import "github.com/agentboard/agentboard/cmd/agentboard/cmds"

func main() {
	cmds.Execute()
}
