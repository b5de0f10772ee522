package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lucid-vigil/decoygate/cmd/decoygate/commands"
)

func main() {
	if err := commands.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
