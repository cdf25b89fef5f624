package main

import (
	"fmt"
	"os"

	"forgegraph/internal/cli"
	"forgegraph/pkg/errors"
)

func main() {
	if err := cli.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(errors.ExitCode(err))
	}
}
