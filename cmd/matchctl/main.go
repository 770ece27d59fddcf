package main

import "github.com/nfrund/tabletop/cmd/matchctl/cmd"

func main() {
	cmd.Execute()
}
