package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/harrison/pargrep/internal/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	err := rootCmd.Execute()
	if err == nil {
		os.Exit(cmd.ExitMatch)
	}

	var exitErr *cmd.ExitCodeError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintf(os.Stderr, "pargrep: %v\n", exitErr.Err)
		}
		os.Exit(exitErr.Code)
	}

	fmt.Fprintf(os.Stderr, "pargrep: %v\n", err)
	os.Exit(cmd.ExitError)
}
