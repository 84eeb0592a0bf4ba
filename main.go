package main

import (
	"waterfall-settlement/internal/cli"
)

func main() {
	cli.Execute()
}
