package cart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps the cart in a Redis hash so it survives across client
// runs. Each field is an item ID holding the item's JSON plus its insertion
// sequence.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

type redisEntry struct {
	Seq  int64 `json:"seq"`
	Item Item  `json:"item"`
}

// RedisOptions configures NewRedisStore
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	CartKey  string
	TTL      time.Duration
}

// NewRedisStore connects to Redis and verifies the connection. Callers fall
// back to a MemoryStore when it returns an error.
func NewRedisStore(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis unavailable at %s: %w", opts.Addr, err)
	}

	key := opts.CartKey
	if key == "" {
		key = "default"
	}
	logger.Info("Connected to Redis cart store", zap.String("addr", opts.Addr), zap.String("cart", key))
	return &RedisStore{client: client, key: "cart:" + key, ttl: opts.TTL, logger: logger}, nil
}

func (r *RedisStore) seqKey() string {
	return r.key + ":seq"
}

func (r *RedisStore) touch(ctx context.Context, pipe redis.Pipeliner) {
	if r.ttl > 0 {
		pipe.Expire(ctx, r.key, r.ttl)
		pipe.Expire(ctx, r.seqKey(), r.ttl)
	}
}

func (r *RedisStore) Upsert(ctx context.Context, item Item) error {
	entry := redisEntry{Item: item}

	raw, err := r.client.HGet(ctx, r.key, item.ID).Result()
	switch {
	case err == nil:
		var prev redisEntry
		if err := sonic.UnmarshalString(raw, &prev); err != nil {
			return fmt.Errorf("cart: corrupt entry %s: %w", item.ID, err)
		}
		entry.Seq = prev.Seq
	case errors.Is(err, redis.Nil):
		seq, err := r.client.Incr(ctx, r.seqKey()).Result()
		if err != nil {
			return fmt.Errorf("cart: next sequence: %w", err)
		}
		entry.Seq = seq
	default:
		return fmt.Errorf("cart: read %s: %w", item.ID, err)
	}

	data, err := sonic.MarshalString(entry)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key, item.ID, data)
		r.touch(ctx, pipe)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cart: write %s: %w", item.ID, err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.key, id)
		r.touch(ctx, pipe)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cart: remove %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key, r.seqKey()).Err(); err != nil {
		return fmt.Errorf("cart: clear: %w", err)
	}
	return nil
}

func (r *RedisStore) Items(ctx context.Context) ([]Item, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("cart: list: %w", err)
	}

	return decodeEntries(fields, r.logger), nil
}

// decodeEntries turns the raw hash fields into items in insertion order.
// Corrupt fields are logged and skipped.
func decodeEntries(fields map[string]string, logger *zap.Logger) []Item {
	entries := make([]redisEntry, 0, len(fields))
	for id, raw := range fields {
		var e redisEntry
		if err := sonic.UnmarshalString(raw, &e); err != nil {
			logger.Warn("Skipping corrupt cart entry", zap.String("id", id), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	items := make([]Item, len(entries))
	for i, e := range entries {
		items[i] = e.Item
	}
	return items
}

func (r *RedisStore) Get(ctx context.Context, id string) (Item, error) {
	raw, err := r.client.HGet(ctx, r.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("cart: get %s: %w", id, err)
	}
	var e redisEntry
	if err := sonic.UnmarshalString(raw, &e); err != nil {
		return Item{}, fmt.Errorf("cart: corrupt entry %s: %w", id, err)
	}
	return e.Item, nil
}

// Close releases the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
