package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	catalogdomain "github.com/smallbiznis/fortunepay/internal/catalog/domain"
	ledgerdomain "github.com/smallbiznis/fortunepay/internal/ledger/domain"
	"github.com/smallbiznis/fortunepay/internal/migration"
	pointsdomain "github.com/smallbiznis/fortunepay/internal/points/domain"
	"github.com/smallbiznis/fortunepay/internal/scheduler"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func migrateCmd() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: `Apply the database schema.

On postgres the versioned SQL migrations run; other dialects use AutoMigrate.
--down rolls the postgres schema back by one version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var conn *gorm.DB
			return withApp(cmd.Context(), coreModules(), func(ctx context.Context) error {
				if !down {
					if err := migration.Run(conn); err != nil {
						return err
					}
					fmt.Println("schema up to date")
					return nil
				}
				if conn.Dialector.Name() != "postgres" {
					return fmt.Errorf("--down is only supported on postgres, got %s", conn.Dialector.Name())
				}
				sqlDB, err := conn.DB()
				if err != nil {
					return err
				}
				if err := migration.Down(sqlDB); err != nil {
					return err
				}
				fmt.Println("rolled back one version")
				return nil
			}, &conn)
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "roll back one migration version")
	return cmd
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Print an account's points balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			var points pointsdomain.Service
			return withApp(cmd.Context(), coreModules(), func(ctx context.Context) error {
				view, err := points.Balance(ctx, accountID)
				if err != nil {
					return err
				}
				return printJSON(view)
			}, &points)
		},
	}
}

func earnCmd() *cobra.Command {
	var (
		source      string
		reference   string
		description string
		expiresDays int
	)

	cmd := &cobra.Command{
		Use:   "earn <account-id> <amount>",
		Short: "Grant points to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			amount, err := strconv.ParseInt(strings.TrimSpace(args[1]), 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			var points pointsdomain.Service
			return withApp(cmd.Context(), coreModules(), func(ctx context.Context) error {
				txn, err := points.Earn(ctx, pointsdomain.EarnRequest{
					AccountID:     accountID,
					Amount:        amount,
					Source:        ledgerdomain.Source(source),
					ReferenceID:   reference,
					Description:   description,
					ExpiresInDays: expiresDays,
				})
				if err != nil {
					return err
				}
				return printJSON(txn)
			}, &points)
		},
	}

	cmd.Flags().StringVar(&source, "source", string(ledgerdomain.SourceAdmin), "ledger source tag")
	cmd.Flags().StringVar(&reference, "reference", "", "reference id stored on the entry")
	cmd.Flags().StringVar(&description, "description", "manual grant", "entry description")
	cmd.Flags().IntVar(&expiresDays, "expires-days", 0, "days until the points expire (0 never expires)")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run every enabled scheduler job once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sched *scheduler.Scheduler
			return withApp(cmd.Context(), pipelineModules(), func(ctx context.Context) error {
				return sched.RunOnce(ctx)
			}, &sched)
		},
	}
}

func packagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packages",
		Short: "Manage point packages",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Write the configured point packages to the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var catalog catalogdomain.Service
			return withApp(cmd.Context(), coreModules(), func(ctx context.Context) error {
				res, err := catalog.SyncPackages(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			}, &catalog)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active point packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var catalog catalogdomain.Service
			return withApp(cmd.Context(), coreModules(), func(ctx context.Context) error {
				pkgs, err := catalog.ListPackages(ctx)
				if err != nil {
					return err
				}
				return printJSON(pkgs)
			}, &catalog)
		},
	})

	return cmd
}

func parseAccountID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("account id must be a positive integer, got %q", raw)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
