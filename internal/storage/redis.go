package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/proxy-watch/internal/snapshot"
	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps the snapshot in a hash at key (fields data, version,
// updated, tested, succeeded) and per-category entry counts in key:counts,
// fields named partition:category.
type RedisStorage struct {
	client *redis.Client
	key    string
}

func NewRedisStorage(addr, key string) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStorage{
		client: client,
		key:    key,
	}, nil
}

func (r *RedisStorage) countsKey() string {
	return r.key + ":counts"
}

func (r *RedisStorage) Save(snap *snapshot.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return saveErr(err)
	}

	counts := make([]interface{}, 0)
	for partition, entries := range map[string]map[string][]snapshot.Entry{"new": snap.Recent, "old": snap.Stable} {
		for category, n := range snapshot.Counts(entries) {
			counts = append(counts, partition+":"+category, n)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key,
			"data", data,
			"version", snap.Version,
			"updated", snap.Updated.UTC().Format(time.RFC3339),
			"tested", snap.Stats.Tested,
			"succeeded", snap.Stats.Succeeded,
		)
		pipe.Del(ctx, r.countsKey())
		if len(counts) > 0 {
			pipe.HSet(ctx, r.countsKey(), counts...)
		}
		return nil
	})
	if err != nil {
		return saveErr(fmt.Errorf("redis save: %w", err))
	}

	return nil
}

func (r *RedisStorage) Load() (*snapshot.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := r.client.HGet(ctx, r.key, "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return snapshot.New(), nil
		}
		return nil, loadErr(fmt.Errorf("redis hget: %w", err))
	}

	snap, err := decode(data)
	if err != nil {
		return nil, loadErr(err)
	}
	return snap, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
