package broker

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/internal/domain"
)

func newTestBroker(t *testing.T, visibility time.Duration) Broker {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	return NewSQLite(db, visibility)
}

func testEnvelope(id, taskType string) *domain.TaskEnvelope {
	return &domain.TaskEnvelope{
		ID:          id,
		Type:        taskType,
		Parameters:  map[string]any{"n": id},
		SubmittedAt: time.Now().UTC(),
	}
}

func TestSQLiteDequeueFIFO(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()

	for _, id := range []string{"tsk_a", "tsk_b", "tsk_c"} {
		require.NoError(t, b.Enqueue(ctx, "control", testEnvelope(id, "echo")))
	}

	for _, want := range []string{"tsk_a", "tsk_b", "tsk_c"} {
		d, err := b.Dequeue(ctx, "control", 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, want, d.Task.ID)
		require.NoError(t, b.Ack(ctx, d))
	}
}

func TestSQLiteDequeueEmptyIsNotAnError(t *testing.T) {
	b := newTestBroker(t, time.Minute)

	d, err := b.Dequeue(context.Background(), "control", 60*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestSQLiteChannelsAreIsolated(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "search", testEnvelope("tsk_s", "search.creator")))

	d, err := b.Dequeue(ctx, "content", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = b.Dequeue(ctx, "search", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "tsk_s", d.Task.ID)
}

func TestSQLiteAckedTaskIsNeverRedelivered(t *testing.T) {
	b := newTestBroker(t, 30*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "control", testEnvelope("tsk_1", "echo")))
	d, err := b.Dequeue(ctx, "control", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, b.Ack(ctx, d))

	time.Sleep(60 * time.Millisecond) // past the visibility timeout

	n, err := b.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	d, err = b.Dequeue(ctx, "control", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestSQLiteUnackedTaskBecomesVisibleAgain(t *testing.T) {
	b := newTestBroker(t, 30*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "control", testEnvelope("tsk_1", "echo")))
	d, err := b.Dequeue(ctx, "control", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	// Simulate a consumer crash: no Ack.

	time.Sleep(60 * time.Millisecond)

	n, err := b.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d2, err := b.Dequeue(ctx, "control", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, "tsk_1", d2.Task.ID)
}

func TestSQLiteResultOverwriteLastWriteWins(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()

	first := domain.SuccessResult("tsk_1", map[string]any{"v": "first"})
	second := domain.SuccessResult("tsk_1", map[string]any{"v": "second"})
	require.NoError(t, b.StoreResult(ctx, "tsk_1", first, time.Minute))
	require.NoError(t, b.StoreResult(ctx, "tsk_1", second, time.Minute))

	got, err := b.FetchResult(ctx, "tsk_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second", got.Data["v"])
}

func TestSQLiteResultExpires(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, b.StoreResult(ctx, "tsk_1", domain.SuccessResult("tsk_1", nil), 30*time.Millisecond))

	got, err := b.FetchResult(ctx, "tsk_1")
	require.NoError(t, err)
	require.NotNil(t, got)

	time.Sleep(60 * time.Millisecond)

	got, err = b.FetchResult(ctx, "tsk_1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteNoCrossTaskLeakage(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, b.StoreResult(ctx, "tsk_a", domain.SuccessResult("tsk_a", nil), time.Minute))
	require.NoError(t, b.StoreResult(ctx, "tsk_b", domain.FailureResult("tsk_b", domain.KindHandlerFault, "x"), time.Minute))

	got, err := b.FetchResult(ctx, "tsk_a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tsk_a", got.TaskID)

	got, err = b.FetchResult(ctx, "tsk_missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStatusLifecycle(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()

	st, err := b.GetStatus(ctx, "tsk_1")
	require.NoError(t, err)
	assert.Empty(t, st)

	require.NoError(t, b.SetStatus(ctx, "tsk_1", domain.StatusPending, time.Minute))
	require.NoError(t, b.SetStatus(ctx, "tsk_1", domain.StatusCompleted, time.Minute))

	st, err = b.GetStatus(ctx, "tsk_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, st)
}

func TestSQLiteQueueLenAndPurge(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "control", testEnvelope("tsk_1", "echo")))
	require.NoError(t, b.Enqueue(ctx, "control", testEnvelope("tsk_2", "echo")))

	n, err := b.QueueLen(ctx, "control")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, b.PurgeChannel(ctx, "control"))
	n, err = b.QueueLen(ctx, "control")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// Expired bookkeeping rows must actually be deleted, not just filtered on
// read, or the tables grow without bound on a long-lived node.
func TestSQLiteExpiredRowsAreDeleted(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()
	db := b.(*sqliteBroker).db

	require.NoError(t, b.StoreResult(ctx, "tsk_1", domain.SuccessResult("tsk_1", nil), 10*time.Millisecond))
	require.NoError(t, b.SetStatus(ctx, "tsk_1", domain.StatusCompleted, 10*time.Millisecond))
	require.NoError(t, b.Heartbeat(ctx, WorkerInfo{ID: "w1", SeenAt: time.Now()}, 10*time.Millisecond))

	time.Sleep(30 * time.Millisecond)

	// Reads report nothing and drop the expired row behind them.
	st, err := b.GetStatus(ctx, "tsk_1")
	require.NoError(t, err)
	assert.Empty(t, st)

	// The recovery sweep clears whatever never gets read again.
	_, err = b.RecoverStale(ctx)
	require.NoError(t, err)

	for _, table := range []string{"results", "statuses", "workers"} {
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
		assert.Zero(t, n, table)
	}
}

func TestSQLiteLiveWorkers(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, b.Heartbeat(ctx, WorkerInfo{ID: "w1", Slots: 4, SeenAt: time.Now()}, time.Minute))
	require.NoError(t, b.Heartbeat(ctx, WorkerInfo{ID: "w2", Slots: 2, SeenAt: time.Now()}, 10*time.Millisecond))

	time.Sleep(30 * time.Millisecond)

	workers, err := b.LiveWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].ID)
}
