package main

import (
	"context"
	"fmt"
	"os"

	"go.miragespace.co/kvstore/cmd/kvstore"
	"go.miragespace.co/kvstore/util"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	util.PrettierHelpPrinter()

	if err := kvstore.App.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
