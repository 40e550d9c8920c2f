// Command fortunectl runs one-off operator tasks against the fortunepay
// database: schema migrations, manual point grants and scheduler sweeps.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "fortunectl",
		Short:         "Operator tooling for the fortunepay ledger and order pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(earnCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(packagesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
