// Package cmd implements the fabulist CLI using cobra.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"
const logo = "📖"

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "fabulist",
	Short: logo + " fabulist — rule-driven story narration",
	Long:  logo + " fabulist — a rule-driven narration orchestrator for interactive fiction",
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version

	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(savesCmd)
}
