package main

import "github.com/fluxgate/fluxgate/cmd"

func main() {
	cmd.Execute()
}
