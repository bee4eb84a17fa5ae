package broker

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"relayq/internal/config"
)

// OpenRedis connects a Redis-backed broker. Connection failures surface on
// first use rather than here; callers that want an upfront check can Ping.
func OpenRedis(addr, password string, db int, visibility time.Duration) Broker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedis(rdb, visibility)
}

// OpenSQLite opens (or creates) the database at path and prepares the schema.
func OpenSQLite(path string, visibility time.Duration) (Broker, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLite(db, visibility), nil
}

// FromConfig builds the broker selected by configuration.
func FromConfig(cfg config.Broker) (Broker, error) {
	switch cfg.Kind {
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath, cfg.Visibility.Std())
	case "redis":
		return OpenRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Visibility.Std()), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}
