package main

import "github.com/felixgeelhaar/medmem/cmd/medmem/cli"

func main() {
	cli.Execute()
}
