package main

import "github.com/alpacahq/alpaca-bridge-go/cmd"

func main() {
	cmd.Execute()
}
