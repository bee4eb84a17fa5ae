package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/internal/broker"
	"relayq/internal/dispatch"
	"relayq/internal/domain"
	"relayq/internal/routing"
	"relayq/internal/worker"
)

func testServer(t *testing.T) http.Handler {
	t.Helper()
	b, err := broker.OpenSQLite(filepath.Join(t.TempDir(), "broker.db"), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	table, err := routing.New(map[string]string{"echo": "control"})
	require.NoError(t, err)

	reg := worker.NewRegistry()
	reg.Register("echo", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return params, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(b, reg, table.Channels(), worker.Config{
		Slots:          2,
		BlockTimeout:   50 * time.Millisecond,
		HeartbeatEvery: 20 * time.Millisecond,
		RecoverEvery:   time.Hour,
	})
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	d := dispatch.New(b, table, dispatch.WithPollInterval(20*time.Millisecond))
	return NewServer(d, b, table, nil)
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := testServer(t)
	w := get(h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestSubmitTaskRoundTrip(t *testing.T) {
	h := testServer(t)

	w := postJSON(t, h, "/api/tasks", map[string]any{
		"type":           "echo",
		"parameters":     map[string]any{"x": 5},
		"caller_context": "user-42",
		"deadline_ms":    3000,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res domain.ResultEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.EqualValues(t, 5, res.Data["x"])
}

func TestSubmitUnknownType(t *testing.T) {
	h := testServer(t)

	w := postJSON(t, h, "/api/tasks", map[string]any{"type": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(domain.KindUnknownTaskType), body["kind"])
}

func TestSubmitAsyncThenFetchResult(t *testing.T) {
	h := testServer(t)

	w := postJSON(t, h, "/api/tasks/async", map[string]any{
		"type":       "echo",
		"parameters": map[string]any{"k": "v"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var accepted struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.ID)

	require.Eventually(t, func() bool {
		return get(h, "/api/tasks/"+accepted.ID+"/result").Code == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	w = get(h, "/api/tasks/"+accepted.ID+"/status")
	require.Equal(t, http.StatusOK, w.Code)
	var st map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, string(domain.StatusCompleted), st["status"])
}

func TestResultNotFound(t *testing.T) {
	h := testServer(t)
	w := get(h, "/api/tasks/tsk_missing/result")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTypesAndQueues(t *testing.T) {
	h := testServer(t)

	w := get(h, "/api/types")
	require.Equal(t, http.StatusOK, w.Code)
	var types struct {
		Types []string `json:"types"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &types))
	assert.Contains(t, types.Types, "echo")

	w = get(h, "/api/queues")
	require.Equal(t, http.StatusOK, w.Code)
	var queues struct {
		Queues map[string]int64 `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &queues))
	assert.Contains(t, queues.Queues, "control")
}

func TestListWorkers(t *testing.T) {
	h := testServer(t)

	require.Eventually(t, func() bool {
		w := get(h, "/api/workers")
		if w.Code != http.StatusOK {
			return false
		}
		var body struct {
			Workers []broker.WorkerInfo `json:"workers"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			return false
		}
		return len(body.Workers) == 1
	}, 3*time.Second, 20*time.Millisecond)
}
