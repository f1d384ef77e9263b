package main

import (
	"context"
	"os"

	"github.com/ignatij/gobuild/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gobuild",
	Short: "Incremental build orchestrator",
}

func main() {
	cli.SetupCLI(rootCmd)
	os.Exit(cli.Execute(context.Background(), rootCmd))
}
