package main

import (
	"os"

	"github.com/piotrbartman/sandboxed-api/cmd/sbxtrace/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
