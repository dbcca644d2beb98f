package main

import "github.com/auditkit/auditkit/internal/cli"

func main() {
	cli.Execute()
}
