package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	err := run(ctx, args, &stdout, &stderr)
	return stdout.String(), err
}

func TestUsage(t *testing.T) {
	_, err := runCLI(t)
	require.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, "explode")
	require.ErrorIs(t, err, errUsage)
}

func TestLabsListsCatalog(t *testing.T) {
	out, err := runCLI(t, "labs")
	require.NoError(t, err)
	for _, name := range []string{"hello", "compose", "retry", "counter", "parent", "fanout", "cron"} {
		require.Contains(t, out, name)
	}
}

func TestInitWritesConfigOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durexlab.yaml")
	_, err := runCLI(t, "init", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "backend:")

	_, err = runCLI(t, "init", path)
	require.Error(t, err, "init must not overwrite")
}

func TestRunInMemory(t *testing.T) {
	out, err := runCLI(t, "run", "-unit", "1ms", "hello", "Gopher")
	require.NoError(t, err)
	require.Contains(t, out, "status: COMPLETED")
	require.Contains(t, out, "Hello, Gopher!")

	_, err = runCLI(t, "run", "nope")
	require.Error(t, err)
}

func TestRunAgainstSQLite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "durexlab.yaml")
	cfg := "backend:\n  kind: sqlite\n  sqlite_path: " + filepath.Join(dir, "lab.db") + "\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	out, err := runCLI(t, "run", "-config", cfgPath, "-unit", "1ms", "-id", "parent-2", "parent", "2")
	require.NoError(t, err)
	require.Contains(t, out, "18")

	// A later process reads the same history.
	out, err = runCLI(t, "history", "-config", cfgPath, "parent-2")
	require.NoError(t, err)
	require.Contains(t, out, "workflow.completed")
	require.Contains(t, out, "child.completed")

	out, err = runCLI(t, "list", "-config", cfgPath, "-status", "completed")
	require.NoError(t, err)
	require.Contains(t, out, "parent-2")
	require.Contains(t, out, "parent-2/child-2")

	out, err = runCLI(t, "run", "-config", cfgPath, "-detach", "-id", "cron-1", "cron", "nightly")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "started cron-1"))

	_, err = runCLI(t, "signal", "-config", cfgPath, "cron-1", "add_message", "hello", "there")
	require.NoError(t, err)
	_, err = runCLI(t, "cancel", "-config", cfgPath, "cron-1")
	require.NoError(t, err)
}
