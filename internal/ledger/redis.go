package ledger

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"orderbridge/internal/model"
)

// Redis implements the ledger over SETNX. No TTL: dedup records must outlive
// the reconciler's lookback window, and the window is configurable.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Redis{rdb: redis.NewClient(opt)}, nil
}

func (r *Redis) Register(ctx context.Context, key model.OrderKey) (bool, error) {
	return r.rdb.SetNX(ctx, r.key(key), time.Now().UTC().Format(time.RFC3339Nano), 0).Result()
}

func (r *Redis) Release(ctx context.Context, key model.OrderKey) error {
	return r.rdb.Del(ctx, r.key(key)).Err()
}

func (r *Redis) Get(ctx context.Context, key model.OrderKey) (model.DedupRecord, error) {
	val, err := r.rdb.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return model.DedupRecord{}, ErrNotFound
	}
	if err != nil {
		return model.DedupRecord{}, err
	}
	rec := model.DedupRecord{Key: key}
	if ts, perr := time.Parse(time.RFC3339Nano, val); perr == nil {
		rec.FirstSeen = ts
	}
	return rec, nil
}

func (r *Redis) key(k model.OrderKey) string { return "dedup:" + k.String() }
