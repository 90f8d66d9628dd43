package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCatalogFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestCatalogLoadsDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeCatalogFile(t, dir, "base.yaml", `
tasks:
  - task_id: fetch
    kind: shell-command
    code: "/usr/bin/fetch --url {{.url}}"
    timeout_seconds: 30
    enabled: true
  - task_id: disabled-task
    kind: shell-command
    code: "/usr/bin/noop"
    timeout_seconds: 5
    enabled: false
`)

	cat, err := New(dir)
	require.NoError(t, err)

	def, ok := cat.ByTaskID("fetch")
	require.True(t, ok)
	require.Equal(t, "/usr/bin/fetch --url {{.url}}", def.Code)
	require.True(t, cat.Enabled("fetch"))
	require.False(t, cat.Enabled("disabled-task"))

	_, ok = cat.ByTaskID("missing")
	require.False(t, ok)
}

func TestCatalogRejectsDuplicateTaskID(t *testing.T) {
	dir := t.TempDir()
	writeCatalogFile(t, dir, "a.yaml", `
tasks:
  - task_id: dup
    kind: shell-command
    code: /bin/true
    timeout_seconds: 1
    enabled: true
`)
	writeCatalogFile(t, dir, "b.yaml", `
tasks:
  - task_id: dup
    kind: shell-command
    code: /bin/false
    timeout_seconds: 1
    enabled: true
`)

	_, err := New(dir)
	require.Error(t, err)
}

func TestCatalogRejectsUnknownKind(t *testing.T) {
	dir := t.TempDir()
	writeCatalogFile(t, dir, "a.yaml", `
tasks:
  - task_id: bad
    kind: made-up-kind
    code: /bin/true
    timeout_seconds: 1
    enabled: true
`)
	_, err := New(dir)
	require.Error(t, err)
}

func TestCatalogReloadSwapsAtomically(t *testing.T) {
	dir := t.TempDir()
	writeCatalogFile(t, dir, "base.yaml", `
tasks:
  - task_id: fetch
    kind: shell-command
    code: /usr/bin/fetch
    timeout_seconds: 30
    enabled: true
`)

	cat, err := New(dir)
	require.NoError(t, err)

	writeCatalogFile(t, dir, "base.yaml", `
tasks:
  - task_id: fetch
    kind: shell-command
    code: /usr/bin/fetch-v2
    timeout_seconds: 45
    enabled: true
`)
	require.NoError(t, cat.Reload())

	def, ok := cat.ByTaskID("fetch")
	require.True(t, ok)
	require.Equal(t, "/usr/bin/fetch-v2", def.Code)
}
