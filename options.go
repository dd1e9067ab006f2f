package goradix

import (
	"crypto/tls"
	"time"

	"github.com/bsbodden/goradix/cache"
	"github.com/bsbodden/goradix/cluster"
	"github.com/bsbodden/goradix/redis"
	"github.com/bsbodden/goradix/retry"
	"github.com/bsbodden/goradix/sentinel"
)

// Option mutates a Config under construction.
type Option func(*Config)

// WithURL parses a redis://, rediss://, or unix:// connection URL and
// applies its address, credentials, DB, and TLS flag. Options applied
// after WithURL can still override individual fields.
func WithURL(raw string) Option {
	return func(c *Config) {
		u, err := redis.ParseURL(raw)
		if err != nil {
			c.parseErr = err
			return
		}
		c.Network = u.Network
		c.Addr = u.Addr
		c.DB = u.DB
		c.Username = u.Username
		c.Password = u.Password
		if u.SSL && c.TLSConfig == nil {
			c.TLSConfig = &tls.Config{}
		}
	}
}

func WithAddr(addr string) Option { return func(c *Config) { c.Addr = addr } }

func WithNetwork(network string) Option { return func(c *Config) { c.Network = network } }

func WithUsername(username string) Option { return func(c *Config) { c.Username = username } }

func WithPassword(password string) Option { return func(c *Config) { c.Password = password } }

func WithDB(db int) Option { return func(c *Config) { c.DB = db } }

func WithTimeout(d time.Duration) Option { return func(c *Config) { c.Timeout = d } }

func WithTLS(cfg *tls.Config) Option { return func(c *Config) { c.TLSConfig = cfg } }

// WithDial overrides transport establishment, e.g. to point a Client
// at a scripted in-memory server in tests.
func WithDial(dial redis.DialFunc) Option { return func(c *Config) { c.Dial = dial } }

func WithPoolSize(n int) Option { return func(c *Config) { c.PoolSize = n } }

func WithPoolTimeout(d time.Duration) Option { return func(c *Config) { c.PoolTimeout = d } }

func WithMaxConnAge(d time.Duration) Option { return func(c *Config) { c.MaxConnAge = d } }

func WithMaxRetries(n int) Option { return func(c *Config) { c.MaxRetries = n } }

func WithRetryBackoff(b retry.Backoff) Option { return func(c *Config) { c.RetryBackoff = b } }

func WithOnRetry(fn func(err error, attempt int)) Option {
	return func(c *Config) { c.OnRetry = fn }
}

// WithCache enables client-side tracking on every Session produced by
// the Client, using cfg as the per-Session Cache template.
func WithCache(cfg cache.Config) Option {
	return func(c *Config) { c.Cache = &cfg }
}

// WithCluster switches the Client into cluster mode (§4.8).
func WithCluster(opts cluster.Options) Option {
	return func(c *Config) { c.Cluster = &opts }
}

// WithSentinels switches the Client into sentinel-discovered mode
// (§4.9).
func WithSentinels(cfg sentinel.Config) Option {
	return func(c *Config) { c.Sentinel = &cfg }
}
