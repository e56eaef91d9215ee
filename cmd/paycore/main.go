package main

import "github.com/stablr/paycore/internal/cli"

func main() {
	cli.Execute()
}
