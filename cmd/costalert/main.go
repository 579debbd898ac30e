package main

import "github.com/ogulcanaydogan/costalert/internal/cli"

func main() {
	cli.Execute()
}
