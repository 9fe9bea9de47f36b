// Hesabu is a spreadsheet transformation copilot. It turns natural-language
// prompts into sandboxed transformation scripts and runs them against
// uploaded workbooks.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hesabu",
	Short: "Hesabu, a spreadsheet transformation copilot",
	Long: `Hesabu serves an HTTP API that accepts workbook uploads, generates
transformation scripts from natural-language prompts, screens them, and runs
them in a closed sandbox against the uploaded data.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, cleanupCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
