// Package redis implements annostore.Cache on Redis so that several processes
// sharing one storage root can coordinate exclusive borrows.
package redis

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/annostore"
)

// Options locate the Redis server holding the cross-process locks.
type Options struct {
	Address  string
	Password string
	DB       int
	// URL, when set, takes precedence over Address, Password and DB.
	URL       string
	TLSConfig *tls.Config
	// DialTimeout bounds connecting; lock polling retries on its own schedule.
	DialTimeout time.Duration
}

// Connection is the process-wide Redis client.
type Connection struct {
	Client  *redis.Client
	Options Options
}

// DefaultOptions connects to a local server without authentication.
func DefaultOptions() Options {
	return Options{
		Address:     "localhost:6379",
		DialTimeout: 5 * time.Second,
	}
}

// OptionsFromConfig converts the locking.redis section of the configuration.
func OptionsFromConfig(c *annostore.RedisCacheConfig) Options {
	o := DefaultOptions()
	if c == nil {
		return o
	}
	if c.Address != "" {
		o.Address = c.Address
	}
	o.Password = c.Password
	o.DB = c.DB
	o.URL = c.URL
	return o
}

func (o Options) clientOptions() (*redis.Options, error) {
	if o.URL == "" {
		return &redis.Options{
			Addr:        o.Address,
			Password:    o.Password,
			DB:          o.DB,
			TLSConfig:   o.TLSConfig,
			DialTimeout: o.DialTimeout,
		}, nil
	}
	ro, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if o.TLSConfig != nil {
		ro.TLSConfig = o.TLSConfig
	}
	if o.DialTimeout > 0 {
		ro.DialTimeout = o.DialTimeout
	}
	return ro, nil
}

var (
	mux        sync.Mutex
	connection *Connection
)

// OpenConnection opens the process-wide connection on first use and returns
// it on every later call, whatever options those pass.
func OpenConnection(options Options) (*Connection, error) {
	mux.Lock()
	defer mux.Unlock()
	if connection != nil {
		return connection, nil
	}
	ro, err := options.clientOptions()
	if err != nil {
		return nil, err
	}
	connection = &Connection{
		Client:  redis.NewClient(ro),
		Options: options,
	}
	return connection, nil
}

// CloseConnection closes the process-wide connection, if open. Clients created
// before report an error from then on.
func CloseConnection() error {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	err := connection.Client.Close()
	connection = nil
	return err
}
