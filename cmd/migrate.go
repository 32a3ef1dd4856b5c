package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rubiojr/tavern/pkg/config"
	"github.com/rubiojr/tavern/pkg/db"
	"github.com/rubiojr/tavern/pkg/storage"
	"github.com/urfave/cli/v3"
)

// MigrateCommand creates the migrate command
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "status",
				Usage: "Show migration status without applying migrations",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "migrations",
				Usage: "Read migrations from a directory instead of the embedded set",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return RunMigrations(os.Stdout, cfg.Database, c.String("migrations"), c.Bool("status"))
		},
	}
}

// RunMigrations handles the migration process (exported for testing)
func RunMigrations(out io.Writer, dsn, migrationsPath string, statusOnly bool) error {
	conn, dialect, err := storage.OpenDB(dsn)
	if err != nil {
		return err
	}
	defer conn.Close()

	manager := db.NewMigrationManager(conn, dialect)
	if migrationsPath != "" {
		manager = db.NewMigrationManagerFromPath(conn, dialect, migrationsPath)
	}

	fmt.Fprintf(out, "=== Database: %s (%s) ===\n", describeDatabase(dsn), dialect)
	if statusOnly {
		if err := showMigrationStatus(out, manager); err != nil {
			return fmt.Errorf("showing migration status: %w", err)
		}
		fmt.Fprintln(out, "\nMigration status check completed")
		return nil
	}

	if err := manager.ApplyPendingMigrations(); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	fmt.Fprintln(out, "\nAll migrations completed successfully")
	return nil
}

// showMigrationStatus displays the current migration status
func showMigrationStatus(out io.Writer, manager *db.MigrationManager) error {
	status, err := manager.GetMigrationStatus()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Applied migrations: %d\n", len(status.Applied))
	for _, migration := range status.Applied {
		appliedTime := "unknown"
		if migration.AppliedAt != nil {
			appliedTime = migration.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(out, "  ✓ %03d: %s (applied: %s)\n", migration.Version, migration.Name, appliedTime)
	}

	fmt.Fprintf(out, "Pending migrations: %d\n", len(status.Pending))
	for _, migration := range status.Pending {
		fmt.Fprintf(out, "  • %03d: %s\n", migration.Version, migration.Name)
	}

	if len(status.Pending) == 0 {
		fmt.Fprintln(out, "  (none - database is up to date)")
	}

	return nil
}
