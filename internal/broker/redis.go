package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"relayq/internal/domain"
)

const (
	queuePrefix      = "relayq:queue:"
	processingPrefix = "relayq:processing:"
	leasePrefix      = "relayq:lease:"
	resultPrefix     = "relayq:result:"
	statusPrefix     = "relayq:status:"
	workerPrefix     = "relayq:worker:"
	channelSetKey    = "relayq:channels"
)

// redisBroker implements Broker on Redis lists plus SET-with-expiry keys,
// the same shape the queue had historically (RPUSH/BLPOP + SETEX). The
// processing list and lease set on top of it give unacknowledged tasks a
// visibility timeout, so a consumer crash cannot lose work.
type redisBroker struct {
	rdb        *redis.Client
	visibility time.Duration
}

// NewRedis returns a Broker backed by the given Redis client. visibility is
// how long a dequeued-but-unacknowledged task stays invisible before
// RecoverStale may hand it to another consumer.
func NewRedis(rdb *redis.Client, visibility time.Duration) Broker {
	if visibility <= 0 {
		visibility = time.Minute
	}
	return &redisBroker{rdb: rdb, visibility: visibility}
}

func wrapRedis(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (b *redisBroker) Enqueue(ctx context.Context, channel string, env *domain.TaskEnvelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, queuePrefix+channel, data)
	pipe.SAdd(ctx, channelSetKey, channel)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedis("enqueue", err)
	}
	return nil
}

func (b *redisBroker) Dequeue(ctx context.Context, channel string, block time.Duration) (*Delivery, error) {
	raw, err := b.rdb.BLMove(ctx, queuePrefix+channel, processingPrefix+channel, "LEFT", "RIGHT", block).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrapRedis("dequeue", err)
	}

	deadline := time.Now().Add(b.visibility)
	if err := b.rdb.ZAdd(ctx, leasePrefix+channel, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: raw,
	}).Err(); err != nil {
		return nil, wrapRedis("lease", err)
	}

	env, err := domain.UnmarshalTask([]byte(raw))
	if err != nil {
		// Malformed payload: drop it from the processing list so it does not
		// get revived forever.
		b.rdb.LRem(ctx, processingPrefix+channel, 1, raw)
		b.rdb.ZRem(ctx, leasePrefix+channel, raw)
		return nil, fmt.Errorf("malformed task payload on %s: %v", channel, err)
	}
	return &Delivery{Task: env, Channel: channel, tag: raw}, nil
}

func (b *redisBroker) Ack(ctx context.Context, d *Delivery) error {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, processingPrefix+d.Channel, 1, d.tag)
	pipe.ZRem(ctx, leasePrefix+d.Channel, d.tag)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedis("ack", err)
	}
	return nil
}

func (b *redisBroker) RecoverStale(ctx context.Context) (int, error) {
	channels, err := b.rdb.SMembers(ctx, channelSetKey).Result()
	if err != nil {
		return 0, wrapRedis("recover", err)
	}
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	revived := 0
	for _, ch := range channels {
		stale, err := b.rdb.ZRangeByScore(ctx, leasePrefix+ch, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
		if err != nil {
			return revived, wrapRedis("recover", err)
		}
		for _, raw := range stale {
			pipe := b.rdb.TxPipeline()
			pipe.ZRem(ctx, leasePrefix+ch, raw)
			pipe.LRem(ctx, processingPrefix+ch, 1, raw)
			pipe.LPush(ctx, queuePrefix+ch, raw)
			if _, err := pipe.Exec(ctx); err != nil {
				return revived, wrapRedis("recover", err)
			}
			revived++
		}

		// The BLMOVE into the processing list and the lease ZADD are two
		// commands; a consumer dying between them leaves a payload in the
		// processing list that no lease covers and the sweep above cannot
		// see. Reconcile: any processing entry without a lease goes back on
		// the queue. Worst case the lease write raced this sweep and the
		// task is delivered twice, which at-least-once permits.
		inProcessing, err := b.rdb.LRange(ctx, processingPrefix+ch, 0, -1).Result()
		if err != nil {
			return revived, wrapRedis("recover", err)
		}
		for _, raw := range inProcessing {
			_, err := b.rdb.ZScore(ctx, leasePrefix+ch, raw).Result()
			if err == nil {
				continue // leased, still in flight
			}
			if err != redis.Nil {
				return revived, wrapRedis("recover", err)
			}
			pipe := b.rdb.TxPipeline()
			pipe.LRem(ctx, processingPrefix+ch, 1, raw)
			pipe.LPush(ctx, queuePrefix+ch, raw)
			if _, err := pipe.Exec(ctx); err != nil {
				return revived, wrapRedis("recover", err)
			}
			revived++
		}
	}
	return revived, nil
}

func (b *redisBroker) StoreResult(ctx context.Context, taskID string, res *domain.ResultEnvelope, ttl time.Duration) error {
	data, err := res.Marshal()
	if err != nil {
		return err
	}
	if err := b.rdb.Set(ctx, resultPrefix+taskID, data, ttl).Err(); err != nil {
		return wrapRedis("store result", err)
	}
	return nil
}

func (b *redisBroker) FetchResult(ctx context.Context, taskID string) (*domain.ResultEnvelope, error) {
	raw, err := b.rdb.Get(ctx, resultPrefix+taskID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapRedis("fetch result", err)
	}
	return domain.UnmarshalResult(raw)
}

func (b *redisBroker) SetStatus(ctx context.Context, taskID string, st domain.Status, ttl time.Duration) error {
	if err := b.rdb.Set(ctx, statusPrefix+taskID, string(st), ttl).Err(); err != nil {
		return wrapRedis("set status", err)
	}
	return nil
}

func (b *redisBroker) GetStatus(ctx context.Context, taskID string) (domain.Status, error) {
	raw, err := b.rdb.Get(ctx, statusPrefix+taskID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", wrapRedis("get status", err)
	}
	return domain.Status(raw), nil
}

func (b *redisBroker) QueueLen(ctx context.Context, channel string) (int64, error) {
	n, err := b.rdb.LLen(ctx, queuePrefix+channel).Result()
	if err != nil {
		return 0, wrapRedis("queue len", err)
	}
	return n, nil
}

func (b *redisBroker) PurgeChannel(ctx context.Context, channel string) error {
	if err := b.rdb.Del(ctx, queuePrefix+channel).Err(); err != nil {
		return wrapRedis("purge", err)
	}
	return nil
}

func (b *redisBroker) Heartbeat(ctx context.Context, info WorkerInfo, ttl time.Duration) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := b.rdb.Set(ctx, workerPrefix+info.ID, data, ttl).Err(); err != nil {
		return wrapRedis("heartbeat", err)
	}
	return nil
}

func (b *redisBroker) LiveWorkers(ctx context.Context) ([]WorkerInfo, error) {
	var workers []WorkerInfo
	var cursor uint64
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, workerPrefix+"*", 100).Result()
		if err != nil {
			return nil, wrapRedis("live workers", err)
		}
		for _, key := range keys {
			raw, err := b.rdb.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue // expired between scan and get
			}
			if err != nil {
				return nil, wrapRedis("live workers", err)
			}
			var info WorkerInfo
			if err := json.Unmarshal(raw, &info); err != nil {
				continue
			}
			workers = append(workers, info)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return workers, nil
}

func (b *redisBroker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return wrapRedis("ping", err)
	}
	return nil
}

func (b *redisBroker) Close() error {
	return b.rdb.Close()
}
