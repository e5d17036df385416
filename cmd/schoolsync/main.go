package main

import (
	"fmt"
	"os"

	"github.com/agentworkforce/schoolsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "schoolsync: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
