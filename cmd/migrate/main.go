// Command migrate manages the PostgreSQL schema.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/streamauth/internal/config"
	"github.com/example/streamauth/internal/storage"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type target struct {
	dir string
	dsn string
}

func rootCmd() *cobra.Command {
	t := &target{}
	var dsnFlag, dirFlag string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back streamauth database migrations",
		Long: `Manage the PostgreSQL schema used by streamauth.

The connection comes from --dsn or, when omitted, from POSTGRES_DSN / DB_*
in the environment (an optional .env file is loaded first).

Examples:
  migrate up                 # apply all pending migrations
  migrate down --steps 1     # roll back one migration
  migrate version
  migrate force 1            # clear a dirty flag after a manual fix
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			t.dir, t.dsn = dirFlag, dsnFlag
			if t.dsn != "" && t.dir != "" {
				return nil
			}
			c, err := config.NewDatabase()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if t.dir == "" {
				t.dir = c.MigrationsDir
			}
			if t.dsn == "" {
				if c.DBAdapter != "postgres" {
					return fmt.Errorf("migrations only work with PostgreSQL, current adapter: %s", c.DBAdapter)
				}
				t.dsn = c.PostgresDSN
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "PostgreSQL DSN (defaults to the environment)")
	cmd.PersistentFlags().StringVar(&dirFlag, "dir", "", "migrations directory (defaults to MIGRATIONS_DIR)")

	cmd.AddCommand(upCmd(t), downCmd(t), versionCmd(t), forceCmd(t))
	return cmd
}

func upCmd(t *target) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps > 0 {
				if err := storage.MigrateSteps(t.dir, t.dsn, steps); err != nil {
					return err
				}
			} else {
				log, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				defer log.Sync()
				if err := storage.ApplyMigrations(t.dir, t.dsn, log); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Migrations applied successfully")
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply (0 = all)")
	return cmd
}

func downCmd(t *target) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if steps > 0 {
				err = storage.MigrateSteps(t.dir, t.dsn, -steps)
			} else {
				err = storage.MigrateDown(t.dir, t.dsn)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Migrations rolled back successfully")
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back (0 = all)")
	return cmd
}

func versionCmd(t *target) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, dirty, err := storage.MigrationVersion(t.dir, t.dsn)
			if err != nil {
				return fmt.Errorf("failed to get version: %w", err)
			}
			if dirty {
				return fmt.Errorf("database is in a dirty state (version %d)", v)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Current migration version: %d\n", v)
			return nil
		},
	}
}

func forceCmd(t *target) *cobra.Command {
	return &cobra.Command{
		Use:   "force VERSION",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil || v < 0 {
				return errors.New("VERSION must be a non-negative integer")
			}
			if err := storage.ForceVersion(t.dir, t.dsn, v); err != nil {
				return fmt.Errorf("force migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Forced database to version %d\n", v)
			return nil
		},
	}
}
