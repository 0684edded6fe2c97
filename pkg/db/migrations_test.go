package db

import (
	"context"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVersion(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"001_init.sql", "001_init"},
		{"002_index.SQL", "002_index"},
		{"003_plain", "003_plain"},
		{"", ""},
		{".sql", ".sql"},
		{"004_mixed.Sql", "004_mixed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizeVersion(tt.input), tt.input)
	}
}

func TestFindMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_speaker_references.sql": {Data: []byte("-- 2")},
		"migrations/001_transcriptions.sql":     {Data: []byte("-- 1")},
		"migrations/README.md":                  {Data: []byte("docs")},
		"migrations/nested/003_ignored.sql":     {Data: []byte("-- 3")},
	}

	migrations, err := findMigrations(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "001_transcriptions", migrations[0].Version)
	assert.Equal(t, "001_transcriptions.sql", migrations[0].Name)
	assert.Equal(t, "migrations/001_transcriptions.sql", migrations[0].Path)
	assert.Equal(t, "002_speaker_references", migrations[1].Version)
}

func TestFindMigrations_MissingDir(t *testing.T) {
	_, err := findMigrations(fstest.MapFS{}, "migrations")
	assert.Error(t, err)
}

func TestBuildStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	migrations := []Migration{
		{Version: "001_a", Name: "001_a.sql"},
		{Version: "002_b", Name: "002_b.sql"},
	}
	applied := map[string]time.Time{
		"001_a":     at,
		"000_ghost": at,
	}

	status := buildStatus(migrations, applied)
	require.Len(t, status.Applied, 1)
	assert.Equal(t, "001_a", status.Applied[0].Version)
	assert.Equal(t, at, *status.Applied[0].AppliedAt)
	require.Len(t, status.Pending, 1)
	assert.Equal(t, "002_b", status.Pending[0].Version)
	assert.Nil(t, status.Pending[0].AppliedAt)
	require.Len(t, status.Drift, 1)
	assert.Equal(t, "000_ghost.sql", status.Drift[0].Name)
}

func TestNilPool(t *testing.T) {
	ctx := context.Background()
	_, err := RunMigrations(ctx, nil, fstest.MapFS{}, "migrations")
	assert.Error(t, err)
	_, err = GetMigrationStatus(ctx, nil, fstest.MapFS{}, "migrations")
	assert.Error(t, err)
}

// TestRunMigrations_Integration needs TEST_DATABASE_URL pointing at a
// disposable database.
func TestRunMigrations_Integration(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	fsys := fstest.MapFS{
		"m/001_mig_test.sql": {Data: []byte("CREATE TABLE mig_test_001 (id INT);")},
	}
	defer func() {
		_, _ = pool.Exec(ctx, "DROP TABLE IF EXISTS mig_test_001")
		_, _ = pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = '001_mig_test.sql'")
	}()

	result, err := RunMigrations(ctx, pool, fsys, "m")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_mig_test"}, result.Applied)

	result, err = RunMigrations(ctx, pool, fsys, "m")
	require.NoError(t, err)
	assert.Empty(t, result.Applied)
	assert.Equal(t, []string{"001_mig_test"}, result.Skipped)
}
