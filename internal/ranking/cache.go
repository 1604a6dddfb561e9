package ranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheVersionKey   = "ranking:version"
	snapshotKeyPrefix = "ranking:snapshot"
	// RefreshedChannel carries the version of every stored snapshot.
	RefreshedChannel = "ranking.refreshed"
)

// Cache keeps ranking snapshots in Redis under versioned keys.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Version returns the version of the latest stored snapshot, zero when none.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Load returns the latest snapshot. The boolean is false on a miss.
func (c *Cache) Load(ctx context.Context) (Snapshot, bool, error) {
	if c == nil || c.client == nil {
		return Snapshot{}, false, nil
	}
	ver, err := c.Version(ctx)
	if err != nil || ver == 0 {
		return Snapshot{}, false, err
	}
	payload, err := c.client.Get(ctx, snapshotKey(ver)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("ranking: decode cached snapshot: %w", err)
	}
	return snap, true, nil
}

// Store writes the snapshot under the next version, moves the version
// pointer and publishes the new version on RefreshedChannel. The snapshot key
// is written before the pointer so readers never see a dangling version.
func (c *Cache) Store(ctx context.Context, snap Snapshot) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return 0, err
	}
	current, err := c.Version(ctx)
	if err != nil {
		return 0, err
	}
	next := current + 1
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, snapshotKey(next), raw, c.ttl)
		pipe.Set(ctx, cacheVersionKey, next, 0)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := c.client.Publish(ctx, RefreshedChannel, strconv.FormatInt(next, 10)).Err(); err != nil {
		return next, err
	}
	return next, nil
}

// Listen subscribes to refresh-completion signals and calls fn with every
// published version until ctx is cancelled.
func (c *Cache) Listen(ctx context.Context, fn func(version int64)) error {
	if c == nil || c.client == nil || fn == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, RefreshedChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ver, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					continue
				}
				fn(ver)
			}
		}
	}()
	return nil
}

func snapshotKey(ver int64) string {
	return snapshotKeyPrefix + ":" + strconv.FormatInt(ver, 10)
}
