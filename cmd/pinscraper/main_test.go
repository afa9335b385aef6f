package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pinscraper/pkg/ui"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	var buf bytes.Buffer
	prev := ui.SetOutput(&buf)
	t.Cleanup(func() { ui.SetOutput(prev) })

	rootCmd.SetArgs(append(args, "--no-color"))
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"collect"},
		{"details"},
		{"download"},
		{"status"},
		{"batch"},
		{"merge"},
		{"repair", "ids"},
		{"identity", "show"},
		{"identity", "clear"},
		{"config", "init"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestCollectRequiresTarget(t *testing.T) {
	_, err := execute(t, "collect", "chairs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")
}

func TestConfigShowAppliesFlags(t *testing.T) {
	out := t.TempDir()
	got, err := execute(t, "config", "show", "--output", out, "--db", filepath.Join(out, "all.db"))
	require.NoError(t, err)
	assert.Contains(t, got, "base_directory: "+out)
	assert.Contains(t, got, "database_path: "+filepath.Join(out, "all.db"))
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pinscraper.yaml")

	_, err := execute(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = execute(t, "config", "init", "--config", path)
	assert.ErrorContains(t, err, "already exists")
}

func TestSourceArgs(t *testing.T) {
	t.Cleanup(func() { sourceURL = "" })

	sourceURL = ""
	assert.NoError(t, sourceArgs(collectCmd, []string{"chairs"}))
	assert.ErrorContains(t, sourceArgs(collectCmd, nil), "required")
	assert.ErrorContains(t, sourceArgs(collectCmd, []string{"  "}), "empty")

	sourceURL = "https://www.pinterest.com/someone/chairs/"
	assert.NoError(t, sourceArgs(collectCmd, nil))
	assert.ErrorContains(t, sourceArgs(collectCmd, []string{"chairs"}), "not both")
}

func TestBatchRejectsEmptyQueryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.txt")
	require.NoError(t, os.WriteFile(path, []byte("# nothing yet\n\n"), 0644))

	_, err := execute(t, "batch", path, "-n", "5")
	assert.ErrorContains(t, err, "no queries")
}
