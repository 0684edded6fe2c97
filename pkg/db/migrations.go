package db

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLockKey serializes concurrent migrators (several workers started
// with --migrate) through a transaction-scoped advisory lock.
const migrationLockKey int64 = 0x7065_6e66_7472 // "penftr"

var errNilPool = errors.New("pool is nil")

// Migration is one .sql file of the schema history.
type Migration struct {
	Version string
	Name    string
	Path    string
}

// MigrationResult lists the versions applied by a run and those already present.
type MigrationResult struct {
	Applied []string
	Skipped []string
}

// MigrationStatusEntry is one row of a status report.
type MigrationStatusEntry struct {
	Version   string     `json:"version" yaml:"version"`
	Name      string     `json:"name" yaml:"name"`
	AppliedAt *time.Time `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
}

// MigrationStatus groups migrations by state. Drift holds versions recorded
// in the database that have no file.
type MigrationStatus struct {
	Applied []MigrationStatusEntry `json:"applied" yaml:"applied"`
	Pending []MigrationStatusEntry `json:"pending" yaml:"pending"`
	Drift   []MigrationStatusEntry `json:"drift" yaml:"drift"`
}

// RunMigrations applies the pending .sql files under dir in version order,
// one transaction each, and stops at the first failure. The partial result is
// returned alongside the error.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, dir string) (*MigrationResult, error) {
	migrations, applied, err := loadPlan(ctx, pool, fsys, dir)
	if err != nil {
		return nil, err
	}

	result := &MigrationResult{}
	for _, m := range migrations {
		if _, done := applied[m.Version]; done {
			result.Skipped = append(result.Skipped, m.Version)
			continue
		}
		ran, err := applyMigration(ctx, pool, fsys, m)
		if err != nil {
			return result, fmt.Errorf("migration %s: %w", m.Version, err)
		}
		if ran {
			result.Applied = append(result.Applied, m.Version)
		} else {
			result.Skipped = append(result.Skipped, m.Version)
		}
	}
	return result, nil
}

// GetMigrationStatus compares the files under dir with schema_migrations.
func GetMigrationStatus(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, dir string) (*MigrationStatus, error) {
	migrations, applied, err := loadPlan(ctx, pool, fsys, dir)
	if err != nil {
		return nil, err
	}
	return buildStatus(migrations, applied), nil
}

func loadPlan(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, dir string) ([]Migration, map[string]time.Time, error) {
	if pool == nil {
		return nil, nil, errNilPool
	}
	migrations, err := findMigrations(fsys, dir)
	if err != nil {
		return nil, nil, err
	}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return nil, nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return nil, nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	return migrations, applied, nil
}

func buildStatus(migrations []Migration, applied map[string]time.Time) *MigrationStatus {
	status := &MigrationStatus{
		Applied: []MigrationStatusEntry{},
		Pending: []MigrationStatusEntry{},
		Drift:   []MigrationStatusEntry{},
	}

	known := make(map[string]struct{}, len(migrations))
	for _, m := range migrations {
		known[m.Version] = struct{}{}
		entry := MigrationStatusEntry{Version: m.Version, Name: m.Name}
		if at, ok := applied[m.Version]; ok {
			entry.AppliedAt = &at
			status.Applied = append(status.Applied, entry)
			continue
		}
		status.Pending = append(status.Pending, entry)
	}
	for version, at := range applied {
		at := at // per-iteration copy; go directive is 1.21
		if _, ok := known[version]; !ok {
			status.Drift = append(status.Drift, MigrationStatusEntry{Version: version, Name: version + ".sql", AppliedAt: &at})
		}
	}
	slices.SortFunc(status.Drift, func(a, b MigrationStatusEntry) int { return cmp.Compare(a.Version, b.Version) })
	return status
}

// findMigrations lists the .sql files directly under dir. Subdirectories
// are ignored.
func findMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var migrations []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(path.Ext(e.Name()), ".sql") {
			continue
		}
		migrations = append(migrations, Migration{
			Version: normalizeVersion(e.Name()),
			Name:    e.Name(),
			Path:    path.Join(dir, e.Name()),
		})
	}
	slices.SortFunc(migrations, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}

func normalizeVersion(v string) string {
	if len(v) > len(".sql") && strings.EqualFold(path.Ext(v), ".sql") {
		return v[:len(v)-len(".sql")]
	}
	return v
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]time.Time, error) {
	rows, err := pool.Query(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	applied := make(map[string]time.Time)
	var (
		version string
		at      time.Time
	)
	_, err = pgx.ForEachRow(rows, []any{&version, &at}, func() error {
		applied[normalizeVersion(version)] = at
		return nil
	})
	return applied, err
}

// applyMigration runs m under the migration advisory lock. It reports false
// when another migrator recorded m while this one waited for the lock.
func applyMigration(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, m Migration) (bool, error) {
	content, err := fs.ReadFile(fsys, m.Path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", m.Path, err)
	}
	sql := string(content)
	if strings.TrimSpace(sql) == "" {
		return false, fmt.Errorf("%s is empty", m.Name)
	}

	ran := false
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey); err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version IN ($1, $2))",
			m.Version, m.Name).Scan(&exists); err != nil {
			return fmt.Errorf("check schema_migrations: %w", err)
		}
		if exists {
			return nil
		}
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("execute: %w", err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Name); err != nil {
			return fmt.Errorf("record: %w", err)
		}
		ran = true
		return nil
	})
	return ran, err
}
