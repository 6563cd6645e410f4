package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/smallbiznis/meterly/internal/config"
	"github.com/smallbiznis/meterly/internal/migration"
	"github.com/smallbiznis/meterly/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSQL(cmd.Context(), func(conn sqlConn) error {
			if err := migration.RunMigrations(conn.db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down <steps>",
	Short: "Revert the given number of migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid steps %q", args[0])
		}
		return withSQL(cmd.Context(), func(conn sqlConn) error {
			return migration.Rollback(conn.db, steps)
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied migration version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSQL(cmd.Context(), func(conn sqlConn) error {
			version, dirty, err := migration.Version(conn.db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", version, dirty)
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}

type sqlConn struct {
	db *sql.DB
}

// withSQL opens the configured postgres database without the service graph.
func withSQL(ctx context.Context, fn func(sqlConn) error) error {
	cfg := config.Load()
	if cfg.DBType != "postgres" {
		return fmt.Errorf("migrations run on postgres only, got %q", cfg.DBType)
	}
	conn, err := db.Open(db.ConfigFrom(cfg), zap.NewNop())
	if err != nil {
		return err
	}
	sqlDB, err := conn.WithContext(ctx).DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return fn(sqlConn{db: sqlDB})
}
