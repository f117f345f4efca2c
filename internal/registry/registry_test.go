package registry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func TestLoadParsesPreferencesAndProvider(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "deploy.sh",
		"#!/bin/bash",
		`## Fisher: {"priority": 5, "parallel": false}`,
		`## Fisher-Standalone: {"secret": "abcde"}`,
		`echo ok`,
	)

	snap, err := Load(context.Background(), Options{Root: dir}, testLogger())
	require.NoError(t, err)

	desc, ok := snap.Lookup("deploy.sh")
	require.True(t, ok)
	assert.Equal(t, 5, desc.Priority)
	assert.False(t, desc.Parallel)
	require.Len(t, desc.Providers, 1)
	assert.Equal(t, "Standalone", desc.Providers[0].Name())
	assert.True(t, desc.IsWebhookReachable())
}

func TestLoadDefaultsAndNoProviderIsUnreachable(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "noop.sh", "#!/bin/bash", "echo ok")

	snap, err := Load(context.Background(), Options{Root: dir}, testLogger())
	require.NoError(t, err)

	desc, ok := snap.Lookup("noop.sh")
	require.True(t, ok)
	assert.Equal(t, 0, desc.Priority)
	assert.True(t, desc.Parallel)
	assert.False(t, desc.IsWebhookReachable())
}

func TestLoadStatusHookDefaultsPriority(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "notify.sh",
		"#!/bin/bash",
		`## Fisher-Status: {"events": ["job-failed"], "scripts": ["deploy.sh"]}`,
		"echo ok",
	)

	snap, err := Load(context.Background(), Options{Root: dir}, testLogger())
	require.NoError(t, err)

	desc, ok := snap.Lookup("notify.sh")
	require.True(t, ok)
	assert.Equal(t, defaultStatusPriority, desc.Priority)
	assert.True(t, desc.IsStatusHook())

	hooks := snap.StatusHooksFor("job-failed", "deploy.sh")
	require.Len(t, hooks, 1)
	assert.Equal(t, "notify.sh", hooks[0].Name)

	assert.Empty(t, snap.StatusHooksFor("job-failed", "other.sh"))
	assert.Empty(t, snap.StatusHooksFor("job-completed", "deploy.sh"))
}

func TestLoadSkipsMalformedScriptAndContinues(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "bad.sh",
		"#!/bin/bash",
		`## Fisher-Standalone: {"unknown_key": true}`,
		"echo ok",
	)
	writeScript(t, dir, "good.sh",
		"#!/bin/bash",
		`## Fisher-Standalone: {}`,
		"echo ok",
	)

	snap, err := Load(context.Background(), Options{Root: dir}, testLogger())
	require.NoError(t, err)

	_, ok := snap.Lookup("bad.sh")
	assert.False(t, ok)

	_, ok = snap.Lookup("good.sh")
	assert.True(t, ok)
}

func TestLoadIgnoresNonExecutableFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readme.txt")
	require.NoError(t, os.WriteFile(path, []byte("not a script"), 0o644))

	snap, err := Load(context.Background(), Options{Root: dir}, testLogger())
	require.NoError(t, err)
	assert.Empty(t, snap.All())
}

func TestLoadRecursiveDescendsIntoSubdirectories(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, filepath.Join("sub", "deep.sh"), "#!/bin/bash", "echo ok")

	snap, err := Load(context.Background(), Options{Root: dir, Recursive: true}, testLogger())
	require.NoError(t, err)
	_, ok := snap.Lookup(filepath.Join("sub", "deep.sh"))
	assert.True(t, ok)

	snapNonRecursive, err := Load(context.Background(), Options{Root: dir, Recursive: false}, testLogger())
	require.NoError(t, err)
	assert.Empty(t, snapNonRecursive.All())
}

func TestLoadFailsOnUnreadableRoot(t *testing.T) {
	_, err := Load(context.Background(), Options{Root: filepath.Join(t.TempDir(), "missing")}, testLogger())
	assert.Error(t, err)
}
