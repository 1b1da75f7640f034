package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/annostore"
)

type client struct {
	conn *Connection
}

var _ annostore.Cache = (*client)(nil)

var errNotOpen = errors.New("redis connection is not open, can't create new client")

// NewClient returns a client over the singleton connection opened with OpenConnection.
func NewClient() annostore.Cache {
	mux.Lock()
	defer mux.Unlock()
	return &client{
		conn: connection,
	}
}

// keyNotFound will detect whether error signifies key not found by Redis.
func keyNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Ping tests connectivity for redis (PONG should be returned)
func (c client) Ping(ctx context.Context) error {
	if c.conn == nil {
		return errNotOpen
	}
	return c.conn.Client.Ping(ctx).Err()
}

// Set executes the redis Set command
func (c client) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if c.conn == nil {
		return errNotOpen
	}
	// No caching if expiration < 0.
	if expiration < 0 {
		return nil
	}
	return c.conn.Client.Set(ctx, key, value, expiration).Err()
}

// Get executes the redis Get command
func (c client) Get(ctx context.Context, key string) (bool, string, error) {
	if c.conn == nil {
		return false, "", errNotOpen
	}
	s, err := c.conn.Client.Get(ctx, key).Result()
	// Convert key not found into returning false and nil err.
	r := err == nil
	if keyNotFound(err) {
		err = nil
	}
	return r, s, err
}

// Delete executes the redis Del command
func (c client) Delete(ctx context.Context, keys []string) (bool, error) {
	if c.conn == nil {
		return false, errNotOpen
	}
	n, err := c.conn.Client.Del(ctx, keys...).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FormatLockKey prefixes the key with 'L' to form the namespaced Redis key used for locking.
func (c client) FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}

// CreateLockKeys creates lock keys using newly generated lock IDs for each provided key name.
func (c client) CreateLockKeys(keys []string) []*annostore.LockKey {
	lockKeys := make([]*annostore.LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &annostore.LockKey{
			// Prefix key with "L" to increase uniqueness.
			Key:    c.FormatLockKey(keys[i]),
			LockID: annostore.NewUUID(),
		}
	}
	return lockKeys
}

func init() {
	annostore.RegisterCache(annostore.Clustered, func(cfg annostore.Config) (annostore.Cache, error) {
		if _, err := OpenConnection(OptionsFromConfig(cfg.Locking.Redis)); err != nil {
			return nil, err
		}
		return NewClient(), nil
	})
}
