package main

import "github.com/JanssenProject/jans-sub052/cmd/jans-authz/cmd"

func main() {
	cmd.Execute()
}
