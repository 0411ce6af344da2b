package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceURL(t *testing.T) {
	url := sourceURL("migrations")
	assert.Contains(t, url, "file://")
	assert.True(t, filepath.IsAbs(url[len("file://"):]) || url == "file://migrations")
}

func TestCreateMigrationWritesPair(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, createMigration(dir, "add_captures_table"))

	files, err := filepath.Glob(filepath.Join(dir, "*_add_captures_table.*.sql"))
	require.NoError(t, err)
	require.Len(t, files, 2)

	var ups, downs int
	for _, f := range files {
		switch {
		case strings.HasSuffix(f, ".up.sql"):
			ups++
		case strings.HasSuffix(f, ".down.sql"):
			downs++
		}
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
	assert.Equal(t, 1, ups)
	assert.Equal(t, 1, downs)
}

func TestMigrationsDirectoryExists(t *testing.T) {
	info, err := os.Stat(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
