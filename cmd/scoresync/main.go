package main

import (
	"fmt"
	"os"

	"github.com/roach88/scoresync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "scoresync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
