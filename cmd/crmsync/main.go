package main

import (
	"context"
	"fmt"
	"os"

	"github.com/c0deZ3R0/go-crm-sync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand(nil)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
