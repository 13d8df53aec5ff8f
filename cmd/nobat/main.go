package main

import "github.com/jmcleod/nobat/cmd/nobat/cmd"

func main() {
	cmd.Execute()
}
