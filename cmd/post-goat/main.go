package main

import (
	"context"
	"os"

	"github.com/headline-goat/post-goat/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
