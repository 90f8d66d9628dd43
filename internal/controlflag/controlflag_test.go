package controlflag

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGateDefaultsToDisengaged(t *testing.T) {
	db := openTestDB(t)
	gate := New(db)
	require.NoError(t, gate.EnsureSchema(context.Background()))

	engaged, err := gate.Engaged(context.Background())
	require.NoError(t, err)
	require.False(t, engaged)
}

func TestGateEngageDisengage(t *testing.T) {
	db := openTestDB(t)
	gate := New(db)
	require.NoError(t, gate.EnsureSchema(context.Background()))
	ctx := context.Background()

	require.NoError(t, gate.Engage(ctx))
	engaged, err := gate.Engaged(ctx)
	require.NoError(t, err)
	require.True(t, engaged)

	require.NoError(t, gate.Disengage(ctx))
	engaged, err = gate.Engaged(ctx)
	require.NoError(t, err)
	require.False(t, engaged)
}
