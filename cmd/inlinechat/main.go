// Package main provides the entry point for the inline chat CLI.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/inlinechat/cmd/inlinechat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
