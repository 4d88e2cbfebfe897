package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"gatekeep.dev/internal/migrate"
)

var (
	dsn            string
	migrationsPath string
	seedsPath      string
	timeout        time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the gatekeep Postgres schema",
		Long: `Apply, roll back and seed the profiles, organizations and
activity_logs tables used by the gatekeep server.

The DSN defaults to GATEKEEP_PG_DSN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("GATEKEEP_PG_DSN"), "PostgreSQL DSN")
	rootCmd.PersistentFlags().StringVar(&migrationsPath, "migrations", "ops/migrations/sql", "directory of SQL migrations")
	rootCmd.PersistentFlags().StringVar(&seedsPath, "seeds", "ops/migrations/seeds", "directory of SQL seeds")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")

	rootCmd.AddCommand(
		managerCmd("up", "Apply pending migrations", func(ctx context.Context, m *migrate.Manager) error { return m.Up(ctx) }),
		managerCmd("down", "Roll back the latest migration", func(ctx context.Context, m *migrate.Manager) error { return m.Down(ctx) }),
		managerCmd("seed", "Run pending seeds", func(ctx context.Context, m *migrate.Manager) error { return m.Seed(ctx) }),
		managerCmd("status", "List migrations and whether each is applied", func(ctx context.Context, m *migrate.Manager) error {
			entries, err := m.Status(ctx)
			if err != nil {
				return err
			}
			for _, e := range entries {
				state := "pending"
				if e.Applied {
					state = "applied"
				}
				fmt.Printf("%-8s %s\n", state, e.Name)
			}
			return nil
		}),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func managerCmd(use, short string, run func(context.Context, *migrate.Manager) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				return fmt.Errorf("missing DSN: provide via --dsn or GATEKEEP_PG_DSN")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			mgr := migrate.NewManager(db, os.DirFS("."), migrationsPath, seedsPath)
			if err := run(ctx, mgr); err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			return nil
		},
	}
}
