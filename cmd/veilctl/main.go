package main

import "github.com/merdocx/veil-xray/cmd/veilctl/cmd"

func main() {
	cmd.Execute()
}
