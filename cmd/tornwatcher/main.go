package main

import (
	"torn-market-watcher/internal/cli"
)

func main() {
	cli.Execute()
}
