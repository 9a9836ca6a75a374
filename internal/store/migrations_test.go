package store

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func versions(ms []migration) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.version)
	}
	return out
}

func TestLoadMigrationsOrdersByFilename(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_late.sql":  {Data: []byte("CREATE TABLE late ();")},
		"m/002_b.sql":     {Data: []byte("  CREATE TABLE b ();\n")},
		"m/001_a.sql":     {Data: []byte("CREATE TABLE a ();")},
		"m/README.md":     {Data: []byte("not sql")},
		"m/sub/003_x.sql": {Data: []byte("CREATE TABLE x ();")},
	}
	got, err := loadMigrations(fsys, "m")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_a", "002_b", "010_late"}, versions(got))
	assert.Equal(t, "CREATE TABLE b ();", got[1].sql)

	_, err = loadMigrations(fsys, "missing")
	assert.Error(t, err)
}

func TestPendingMigrationsSkipsApplied(t *testing.T) {
	all := []migration{{version: "001_jobs"}, {version: "002_job_events"}, {version: "003_next"}}

	assert.Equal(t, []string{"001_jobs", "002_job_events", "003_next"}, versions(pendingMigrations(all, nil)))
	assert.Equal(t, []string{"003_next"},
		versions(pendingMigrations(all, map[string]bool{"001_jobs": true, "002_job_events": true})))
	assert.Empty(t, pendingMigrations(all, map[string]bool{"001_jobs": true, "002_job_events": true, "003_next": true}))
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	got, err := loadMigrations(migrationFiles, "migrations")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_jobs", "002_job_events"}, versions(got))
	for _, m := range got {
		assert.NotEmpty(t, m.sql, m.version)
	}
}
