package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextVersion(t *testing.T) {
	dir := t.TempDir()
	v, err := nextVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	for _, name := range []string{"000001_a.up.sql", "000001_a.down.sql", "000003_b.up.sql", "000003_b.down.sql", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	v, err = nextVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	_, err = nextVersion(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestCreateMigration(t *testing.T) {
	dir := t.TempDir()
	createMigration(dir, "add_index")

	for _, name := range []string{"000001_add_index.up.sql", "000001_add_index.down.sql"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}
