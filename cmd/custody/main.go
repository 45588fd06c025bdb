// Command custody operates a custody vault from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/custody/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
