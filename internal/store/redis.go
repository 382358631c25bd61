package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordTTL is the retention policy of the Redis backend: every write
// refreshes it, so only rooms abandoned by a crashed pair expire.
const recordTTL = 24 * time.Hour

// createdField marks record existence for the create-must-fail check.
// Document decoders treat it as an unknown path.
const createdField = "_created"

const cleanupTimeout = 5 * time.Second

// Redis implements DocumentStore on a Redis hash per record: each field
// path is a hash field holding a JSON-encoded leaf, so concurrent writes
// race per path exactly as the protocol expects. Change notifications go
// over a pub/sub channel per key; subscribers re-read the full hash on
// every notification.
type Redis struct {
	logger *slog.Logger
	client *redis.Client

	mu            sync.Mutex
	cleanups      map[int]cleanupEntry
	nextCleanupID int
}

func NewRedis(ctx context.Context, logger *slog.Logger, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisWithClient(logger, client), nil
}

// NewRedisWithClient wraps an existing client; the integration test
// suite uses this.
func NewRedisWithClient(logger *slog.Logger, client *redis.Client) *Redis {
	return &Redis{
		logger:   logger.With("component", "store"),
		client:   client,
		cleanups: make(map[int]cleanupEntry),
	}
}

func (that *Redis) CreateRecord(ctx context.Context, key string, fields Fields) error {
	created, err := that.client.HSetNX(ctx, key, createdField, time.Now().UnixMilli()).Result()
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}

	if !created {
		return ErrRecordExists
	}

	return that.PartialUpdate(ctx, key, fields)
}

func (that *Redis) Read(ctx context.Context, key string) (Snapshot, error) {
	values, err := that.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	if len(values) == 0 {
		return nil, ErrRecordNotFound
	}

	return toSnapshot(values), nil
}

func (that *Redis) PartialUpdate(ctx context.Context, key string, fields Fields) error {
	sets := make(map[string]string)
	var deletes []string

	for path, value := range fields {
		if value == nil {
			deletes = append(deletes, path)
			continue
		}

		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode field %q: %w", path, err)
		}

		sets[path] = string(raw)
	}

	if len(deletes) > 0 {
		expanded, err := that.expandSubtrees(ctx, key, deletes)
		if err != nil {
			return err
		}
		deletes = expanded
	}

	pipe := that.client.TxPipeline()
	if len(sets) > 0 {
		pipe.HSet(ctx, key, sets)
	}
	if len(deletes) > 0 {
		pipe.HDel(ctx, key, deletes...)
	}
	pipe.Expire(ctx, key, recordTTL)
	pipe.Publish(ctx, channelFor(key), "update")

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	return nil
}

func (that *Redis) Delete(ctx context.Context, key string) error {
	pipe := that.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.Publish(ctx, channelFor(key), "delete")

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	return nil
}

func (that *Redis) Subscribe(ctx context.Context, key string, fn Callback) (CancelFunc, error) {
	log := that.logger.With("method", "Subscribe", "key", key)

	pubsub := that.client.Subscribe(ctx, channelFor(key))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		// Initial delivery, then one full re-read per notification.
		// Identical or stale-looking deliveries are possible and the
		// consumer contract allows them.
		that.push(ctx, key, fn, log)

		for range pubsub.Channel() {
			that.push(ctx, key, fn, log)
		}
	}()

	cancel := func() {
		if err := pubsub.Close(); err != nil {
			log.Error("failed to close subscription", "error", err)
		}
	}

	return cancel, nil
}

func (that *Redis) push(ctx context.Context, key string, fn Callback, log *slog.Logger) {
	snap, err := that.Read(ctx, key)
	switch {
	case err == nil:
		fn(snap)
	case errors.Is(err, ErrRecordNotFound):
		fn(Snapshot{})
	default:
		log.Error("failed to read record for push", "error", err)
	}
}

func (that *Redis) RegisterDisconnectCleanup(key string, fields Fields) CancelFunc {
	that.mu.Lock()
	defer that.mu.Unlock()

	id := that.nextCleanupID
	that.nextCleanupID++
	that.cleanups[id] = cleanupEntry{key: key, fields: fields}

	return func() {
		that.mu.Lock()
		defer that.mu.Unlock()

		delete(that.cleanups, id)
	}
}

// Close applies registered disconnect cleanups and releases the client.
// Redis has no server-side on-disconnect hook, so cleanup delivery rides
// on process shutdown; a hard crash leaves the seat to expire with the
// record TTL, which the protocol tolerates as late cleanup.
func (that *Redis) Close() error {
	log := that.logger.With("method", "Close")

	that.mu.Lock()
	cleanups := that.cleanups
	that.cleanups = make(map[int]cleanupEntry)
	that.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	for _, entry := range cleanups {
		if err := that.PartialUpdate(ctx, entry.key, entry.fields); err != nil {
			log.Error("failed to apply disconnect cleanup", "key", entry.key, "error", err)
		}
	}

	if err := that.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}

// expandSubtrees widens each delete path to include every stored field
// underneath it, the hash-level equivalent of a subtree delete.
func (that *Redis) expandSubtrees(ctx context.Context, key string, paths []string) ([]string, error) {
	stored, err := that.client.HKeys(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list record fields: %w", err)
	}

	expanded := make([]string, 0, len(paths))
	for _, path := range paths {
		expanded = append(expanded, path)
		for _, field := range stored {
			if strings.HasPrefix(field, path+"/") {
				expanded = append(expanded, field)
			}
		}
	}

	return expanded, nil
}

func toSnapshot(values map[string]string) Snapshot {
	snap := make(Snapshot, len(values))
	for path, value := range values {
		snap[path] = json.RawMessage(value)
	}

	return snap
}

func channelFor(key string) string {
	return "updates:" + key
}
