package main

import (
	"os"

	"github.com/ineyio/creditledger/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
