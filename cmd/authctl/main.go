package main

import "github.com/aussiebroadwan/authclient/cmd/authctl/cmd"

func main() {
	cmd.Execute()
}
