package schema

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDiscoverAndLoadAllParsesJsonDefinition(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "widgets.json", `{
		"name": "widgets",
		"schema_type": "object",
		"fields": {"sku": {"kind": "single"}}
	}`)

	e := newTestEngine(t)
	report, err := e.DiscoverAndLoadAll(context.Background(), dir)
	require.NoError(t, err)
	assert.Contains(t, report.Loaded, "widgets")
	assert.Equal(t, StateAvailable, report.States["widgets"])

	s, err := e.GetSchema("widgets")
	require.NoError(t, err)
	assert.Equal(t, FieldSingle, s.Fields["sku"].Kind)
}

func TestDiscoverAndLoadAllSkipsAlreadyKnown(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "widgets.json", `{"name": "widgets", "fields": {}}`)

	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.LoadSchemaInternal(ctx, simpleSchema("widgets")))
	require.NoError(t, e.Approve(ctx, "widgets"))

	_, err := e.DiscoverAndLoadAll(ctx, dir)
	require.NoError(t, err)

	// on-disk content must not override the persisted Approved state
	assert.True(t, e.CheckSchemaPermission("widgets"))
}

func TestDiscoverAndLoadAllCollectsFailures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.json", `not json`)

	e := newTestEngine(t)
	report, err := e.DiscoverAndLoadAll(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "broken.json", report.Failed[0].Name)
}

func TestAddSchemaToAvailableDirectoryRejectsConflict(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AddSchemaToAvailableDirectory(ctx, dir, []byte(`{"name":"widgets","fields":{"sku":{}}}`), "")
	require.NoError(t, err)

	_, err = e.AddSchemaToAvailableDirectory(ctx, dir, []byte(`{"name":"widgets","fields":{"sku":{},"extra":{}}}`), "")
	assert.ErrorIs(t, err, ErrSchemaConflict)
}

func TestAddSchemaToAvailableDirectoryRejectsMissingName(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t)
	_, err := e.AddSchemaToAvailableDirectory(context.Background(), dir, []byte(`{"fields":{}}`), "")
	assert.Error(t, err)
}
