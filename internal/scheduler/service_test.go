package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/internal/broker"
	"relayq/internal/config"
	"relayq/internal/dispatch"
	"relayq/internal/routing"
)

func testDispatcher(t *testing.T) (*dispatch.Dispatcher, broker.Broker) {
	t.Helper()
	b, err := broker.OpenSQLite(filepath.Join(t.TempDir(), "broker.db"), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	table, err := routing.New(map[string]string{"echo": "control"})
	require.NoError(t, err)
	return dispatch.New(b, table), b
}

func TestNewServiceRejectsInvalidCron(t *testing.T) {
	d, _ := testDispatcher(t)
	_, err := NewService(d, []config.Schedule{
		{Name: "broken", Cron: "not a cron", Type: "echo"},
	}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestDueScheduleSubmitsTask(t *testing.T) {
	d, b := testDispatcher(t)
	svc, err := NewService(d, []config.Schedule{
		{Name: "refresh", Cron: "* * * * *", Type: "echo", Parameters: map[string]any{"x": 1}},
	}, time.Second)
	require.NoError(t, err)

	// Force the entry due instead of waiting out a cron minute.
	svc.entries[0].next = time.Now().Add(-time.Second)
	svc.processDue(context.Background(), time.Now())

	n, err := b.QueueLen(context.Background(), "control")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	entries := svc.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].NextRun.After(time.Now()), "next run should be rescheduled into the future")
}

func TestNotYetDueScheduleSubmitsNothing(t *testing.T) {
	d, b := testDispatcher(t)
	svc, err := NewService(d, []config.Schedule{
		{Name: "refresh", Cron: "* * * * *", Type: "echo"},
	}, time.Second)
	require.NoError(t, err)

	svc.processDue(context.Background(), time.Now().Add(-time.Hour))

	n, err := b.QueueLen(context.Background(), "control")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("*/5 * * * *"))
	assert.Error(t, ValidateCronExpression("every five minutes"))
}
