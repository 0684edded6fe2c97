package cmd

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-transcribe/config"
	"github.com/otherjamesbrown/penf-transcribe/pkg/db"
	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
	"github.com/otherjamesbrown/penf-transcribe/pkg/store/pgstore"
)

// Migrate command flags
var (
	migrateStatus bool
	migrateOutput string
)

// NewMigrateCommand creates the 'migrate' command.
func NewMigrateCommand(deps *Deps) *cobra.Command {
	deps = orDefault(deps)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres schema migrations",
		Long: `Apply pending migrations to the Postgres store.

The schema ships inside the binary. Set store.migrations_dir to apply a
directory of .sql files instead. Applied versions are recorded in the
schema_migrations table, and each migration runs in its own transaction.

Connection settings come from store.postgres, overridden by DB_HOST,
DB_PORT, DB_NAME, DB_USER, DB_PASSWORD and DB_SSLMODE.

Examples:
  # Apply pending migrations
  penf-transcribe migrate

  # Show applied, pending and drifted migrations
  penf-transcribe migrate --status -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), deps)
		},
	}

	cmd.Flags().BoolVar(&migrateStatus, "status", false, "Show migration status instead of applying")
	cmd.Flags().StringVarP(&migrateOutput, "output", "o", "", "Status output format: text, json, yaml")

	return cmd
}

// migrationSource returns the filesystem and directory holding migrations.
func migrationSource(cfg *config.Config) (fs.FS, string) {
	if cfg.Store.MigrationsDir != "" {
		return os.DirFS(cfg.Store.MigrationsDir), "."
	}
	return pgstore.Migrations(), pgstore.MigrationsDir
}

func runMigrate(ctx context.Context, deps *Deps) error {
	format, err := parseFormat(migrateOutput)
	if err != nil {
		return err
	}

	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := deps.NewLogger(cfg)

	dbCfg := cfg.DBConfig()
	if err := dbCfg.Validate(); err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}
	pool, err := db.Connect(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	fsys, dir := migrationSource(cfg)

	if migrateStatus {
		status, err := db.GetMigrationStatus(ctx, pool, fsys, dir)
		if err != nil {
			return fmt.Errorf("getting migration status: %w", err)
		}
		if format != config.OutputFormatText {
			return writeFormatted(deps.Out, format, status)
		}
		return outputMigrationStatusText(deps.Out, status)
	}

	result, err := db.RunMigrations(ctx, pool, fsys, dir)
	if result != nil {
		for _, v := range result.Applied {
			fmt.Fprintf(deps.Out, "applied %s\n", v)
		}
	}
	if err != nil {
		logger.Error("migration failed", logging.Err(err))
		return err
	}
	fmt.Fprintf(deps.Out, "%d applied, %d already present\n", len(result.Applied), len(result.Skipped))
	return nil
}

func outputMigrationStatusText(w io.Writer, status *db.MigrationStatus) error {
	sections := []struct {
		title   string
		entries []db.MigrationStatusEntry
	}{
		{"Applied", status.Applied},
		{"Pending", status.Pending},
		{"Drift", status.Drift},
	}
	for _, s := range sections {
		fmt.Fprintf(w, "%s (%d):\n", s.title, len(s.entries))
		for _, m := range s.entries {
			appliedAt := "-"
			if m.AppliedAt != nil {
				appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "  %-10s %-40s %s\n", m.Version, m.Name, appliedAt)
		}
	}
	return nil
}
