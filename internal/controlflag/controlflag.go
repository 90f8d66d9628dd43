// Package controlflag implements the single shared "kill_switch" row that
// C5 consults before creating a stack and C7 consults before claiming work.
package controlflag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const killSwitchKey = "kill_switch"
const truthy = "true"

// Gate reads and writes the control_flags table backing the global kill
// switch. Any number of Gates may share one *sql.DB; the table itself, not
// the Gate value, is the point of coordination.
type Gate struct {
	db *sql.DB
}

func New(db *sql.DB) *Gate {
	return &Gate{db: db}
}

// EnsureSchema creates control_flags if it doesn't exist.
func (g *Gate) EnsureSchema(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS control_flags (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`)
	return err
}

// Engaged reports whether the kill switch is currently set to a truthy value.
func (g *Gate) Engaged(ctx context.Context) (bool, error) {
	var value string
	err := g.db.QueryRowContext(ctx, `SELECT value FROM control_flags WHERE key = ?`, killSwitchKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read kill switch: %w", err)
	}
	return value == truthy, nil
}

// Engage sets the kill switch.
func (g *Gate) Engage(ctx context.Context) error {
	return g.set(ctx, truthy)
}

// Disengage clears the kill switch.
func (g *Gate) Disengage(ctx context.Context) error {
	return g.set(ctx, "false")
}

func (g *Gate) set(ctx context.Context, value string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO control_flags (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		killSwitchKey, value)
	if err != nil {
		return fmt.Errorf("write kill switch: %w", err)
	}
	return nil
}
