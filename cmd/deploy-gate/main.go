package main

import "github.com/davarch/deploy-gate/cmd/deploy-gate/cli"

func main() {
	cli.Execute()
}
