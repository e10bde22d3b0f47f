package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "lineguard",
	Short:   "Invoice line-item validation service",
	Version: version,
	Long: `lineguard validates invoice line items against a canonical catalog:
fuzzy and semantic matching, price band checks, business rules, and a full
audit trail for every decision.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(revalidateCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(proposalsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
