package main

import "github.com/capsulebuild/capsule/cmd/capsule/cli"

func main() {
	cli.Execute()
}
