package main

import (
	"os"

	"github.com/scalpel-re/scalpel/cmd/scalpel/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
