package taskqueue

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "tq.db"))
	require.NoError(t, err)
	require.NoError(t, q.EnsureSchema(context.Background()))
	return q
}

func TestEnqueueIsIdempotentOnRequestID(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "task-a", "req-1", map[string]any{"x": 1.0})
	require.NoError(t, err)

	second, err := q.Enqueue(ctx, "task-a", "req-1", map[string]any{"x": 2.0})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, float64(1), second.Parameters["x"], "second enqueue must not overwrite the first row")
}

func TestClaimSingleWinner(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "task-a", "req-1", nil)
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			row, err := q.Claim(ctx, "worker", time.Minute)
			if err != nil {
				return
			}
			if row != nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins)
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "task-a", "req-1", nil)
	require.NoError(t, err)

	row, err := q.Claim(ctx, "worker-a", -time.Second) // expires immediately
	require.NoError(t, err)
	require.NotNil(t, row)

	row2, err := q.Claim(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, row2, "an expired lease must be reclaimable by another worker")
	require.Equal(t, row.ID, row2.ID)
}

func TestRenewExtendsLeaseForOwner(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "task-a", "req-1", nil)
	require.NoError(t, err)
	row, err := q.Claim(ctx, "worker-a", time.Minute)
	require.NoError(t, err)

	ok, err := q.Renew(ctx, row.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "a non-owner must not be able to renew the lease")

	ok, err = q.Renew(ctx, row.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCompleteSettlesRow(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "task-a", "req-1", nil)
	require.NoError(t, err)
	row, err := q.Claim(ctx, "worker-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, row.ID, StatusDone, map[string]any{"ok": true}, ""))

	got, err := q.byRequestID(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, StatusDone, got.Status)
}
