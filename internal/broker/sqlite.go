package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"relayq/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  channel TEXT NOT NULL,
  envelope BLOB NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('queued','leased')) DEFAULT 'queued',
  lease_until_ms INTEGER,
  enqueued_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_channel ON tasks(channel, state, seq);
CREATE TABLE IF NOT EXISTS results (
  task_id TEXT PRIMARY KEY,
  result BLOB NOT NULL,
  expires_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS statuses (
  task_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  expires_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS workers (
  id TEXT PRIMARY KEY,
  info BLOB NOT NULL,
  expires_at_ms INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// sqliteBroker implements Broker on a single SQLite database. It serves
// single-node deployments and the test suite; the lease discipline mirrors
// the Redis backend so the two are interchangeable behind the interface.
type sqliteBroker struct {
	db         *sql.DB
	visibility time.Duration
	pollEvery  time.Duration
}

// NewSQLite returns a Broker backed by db. The caller is expected to have
// run EnsureSchema and limited the pool to one open connection (SQLite
// single writer).
func NewSQLite(db *sql.DB, visibility time.Duration) Broker {
	if visibility <= 0 {
		visibility = time.Minute
	}
	return &sqliteBroker{db: db, visibility: visibility, pollEvery: 25 * time.Millisecond}
}

func wrapSQLite(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func nowMilli() int64 { return time.Now().UnixMilli() }

func (b *sqliteBroker) Enqueue(ctx context.Context, channel string, env *domain.TaskEnvelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
INSERT INTO tasks (id, channel, envelope, state, enqueued_at_ms)
VALUES (?, ?, ?, 'queued', ?)`, env.ID, channel, data, nowMilli())
	if err != nil {
		return wrapSQLite("enqueue", err)
	}
	return nil
}

func (b *sqliteBroker) Dequeue(ctx context.Context, channel string, block time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(block)
	for {
		d, err := b.leaseNext(ctx, channel)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.pollEvery):
		}
	}
}

func (b *sqliteBroker) leaseNext(ctx context.Context, channel string) (*Delivery, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapSQLite("dequeue", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT id, envelope FROM tasks
WHERE channel = ? AND state = 'queued'
ORDER BY seq ASC
LIMIT 1`, channel)
	var id string
	var data []byte
	err = row.Scan(&id, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapSQLite("dequeue", err)
	}

	leaseUntil := time.Now().Add(b.visibility).UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET state='leased', lease_until_ms=? WHERE id=?`, leaseUntil, id); err != nil {
		return nil, wrapSQLite("dequeue", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapSQLite("dequeue", err)
	}

	env, err := domain.UnmarshalTask(data)
	if err != nil {
		b.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
		return nil, fmt.Errorf("malformed task payload on %s: %v", channel, err)
	}
	return &Delivery{Task: env, Channel: channel, tag: id}, nil
}

func (b *sqliteBroker) Ack(ctx context.Context, d *Delivery) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, d.tag); err != nil {
		return wrapSQLite("ack", err)
	}
	return nil
}

func (b *sqliteBroker) RecoverStale(ctx context.Context) (int, error) {
	now := nowMilli()
	res, err := b.db.ExecContext(ctx, `
UPDATE tasks SET state='queued', lease_until_ms=NULL
WHERE state='leased' AND lease_until_ms < ?`, now)
	if err != nil {
		return 0, wrapSQLite("recover", err)
	}
	n, _ := res.RowsAffected()

	// Piggyback expiry of bookkeeping rows nobody reads anymore; the read
	// paths delete lazily but only for keys that get looked up again.
	b.db.ExecContext(ctx, `DELETE FROM results WHERE expires_at_ms < ?`, now)
	b.db.ExecContext(ctx, `DELETE FROM statuses WHERE expires_at_ms < ?`, now)
	b.db.ExecContext(ctx, `DELETE FROM workers WHERE expires_at_ms < ?`, now)

	return int(n), nil
}

func (b *sqliteBroker) StoreResult(ctx context.Context, taskID string, res *domain.ResultEnvelope, ttl time.Duration) error {
	data, err := res.Marshal()
	if err != nil {
		return err
	}
	expires := time.Now().Add(ttl).UnixMilli()
	_, err = b.db.ExecContext(ctx, `
INSERT INTO results (task_id, result, expires_at_ms) VALUES (?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET result=excluded.result, expires_at_ms=excluded.expires_at_ms`,
		taskID, data, expires)
	if err != nil {
		return wrapSQLite("store result", err)
	}
	return nil
}

func (b *sqliteBroker) FetchResult(ctx context.Context, taskID string) (*domain.ResultEnvelope, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT result, expires_at_ms FROM results WHERE task_id=?`, taskID)
	var data []byte
	var expires int64
	err := row.Scan(&data, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapSQLite("fetch result", err)
	}
	if expires < nowMilli() {
		b.db.ExecContext(ctx, `DELETE FROM results WHERE task_id=?`, taskID)
		return nil, nil
	}
	return domain.UnmarshalResult(data)
}

func (b *sqliteBroker) SetStatus(ctx context.Context, taskID string, st domain.Status, ttl time.Duration) error {
	expires := time.Now().Add(ttl).UnixMilli()
	_, err := b.db.ExecContext(ctx, `
INSERT INTO statuses (task_id, status, expires_at_ms) VALUES (?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET status=excluded.status, expires_at_ms=excluded.expires_at_ms`,
		taskID, string(st), expires)
	if err != nil {
		return wrapSQLite("set status", err)
	}
	return nil
}

func (b *sqliteBroker) GetStatus(ctx context.Context, taskID string) (domain.Status, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT status, expires_at_ms FROM statuses WHERE task_id=?`, taskID)
	var st string
	var expires int64
	err := row.Scan(&st, &expires)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", wrapSQLite("get status", err)
	}
	if expires < nowMilli() {
		b.db.ExecContext(ctx, `DELETE FROM statuses WHERE task_id=?`, taskID)
		return "", nil
	}
	return domain.Status(st), nil
}

func (b *sqliteBroker) QueueLen(ctx context.Context, channel string) (int64, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE channel=? AND state='queued'`, channel)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, wrapSQLite("queue len", err)
	}
	return n, nil
}

func (b *sqliteBroker) PurgeChannel(ctx context.Context, channel string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE channel=? AND state='queued'`, channel); err != nil {
		return wrapSQLite("purge", err)
	}
	return nil
}

func (b *sqliteBroker) Heartbeat(ctx context.Context, info WorkerInfo, ttl time.Duration) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	expires := time.Now().Add(ttl).UnixMilli()
	_, err = b.db.ExecContext(ctx, `
INSERT INTO workers (id, info, expires_at_ms) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET info=excluded.info, expires_at_ms=excluded.expires_at_ms`,
		info.ID, data, expires)
	if err != nil {
		return wrapSQLite("heartbeat", err)
	}
	return nil
}

func (b *sqliteBroker) LiveWorkers(ctx context.Context) ([]WorkerInfo, error) {
	// Expired rows would otherwise pile up forever on a long-lived node.
	b.db.ExecContext(ctx, `DELETE FROM workers WHERE expires_at_ms < ?`, nowMilli())
	rows, err := b.db.QueryContext(ctx,
		`SELECT info FROM workers WHERE expires_at_ms >= ?`, nowMilli())
	if err != nil {
		return nil, wrapSQLite("live workers", err)
	}
	defer rows.Close()

	var workers []WorkerInfo
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, wrapSQLite("live workers", err)
		}
		var info WorkerInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		workers = append(workers, info)
	}
	return workers, rows.Err()
}

func (b *sqliteBroker) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return wrapSQLite("ping", err)
	}
	return nil
}

func (b *sqliteBroker) Close() error {
	return b.db.Close()
}
