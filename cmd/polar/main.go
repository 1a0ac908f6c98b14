package main

import "github.com/jmcleod/polar/cmd/polar/cmd"

func main() {
	cmd.Execute()
}
