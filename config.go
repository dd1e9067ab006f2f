// Package goradix is the top-level entry point: a Config built up
// through functional Options ties the connection, pool, retry,
// cluster, sentinel, and cache layers together into one
// Session-producing Client (§6).
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

// Config collects every tunable below one Client. Build one with New
// and a list of Options; the zero value is not meant to be used
// directly since required defaults (timeouts, pool sizing, retry
// backoff) are only filled in by defaultConfig.
type Config struct {
	Network   string
	Addr      string
	TLSConfig *tls.Config

	Username string
	Password string
	DB       int

	// Timeout is the default connect/read/write timeout applied when
	// an operation does not carry its own deadline.
	Timeout time.Duration

	// Dial overrides transport establishment; nil uses redis.Config's
	// default dialer. Tests substitute a scripted net.Pipe-backed
	// transport, the same seam package redis exposes directly.
	Dial redis.DialFunc

	PoolSize    int
	PoolTimeout time.Duration
	MaxConnAge  time.Duration

	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	// RetryBackoff, if set, overrides the EqualJitter backoff derived
	// from Min/MaxRetryBackoff.
	RetryBackoff retry.Backoff
	OnRetry      func(err error, attempt int)

	// Cache, if non-nil, enables client-side tracking on every Session
	// this Client produces; each Session gets its own Cache instance
	// built from this template, since tracked keys are connection-
	// scoped (§4.6).
	Cache *cache.Config

	// Cluster, if non-nil, selects cluster mode: the Client wraps a
	// cluster.Router instead of a connection pool (§4.8). Mutually
	// exclusive with Sentinel.
	Cluster *cluster.Options

	// Sentinel, if non-nil, selects sentinel-discovered mode: the
	// Client resolves the current master through a sentinel.Resolver
	// before dialing (§4.9). Mutually exclusive with Cluster.
	Sentinel *sentinel.Config

	// parseErr carries a WithURL parse failure through to New, since
	// Option has no return value of its own.
	parseErr error
}

func defaultConfig() Config {
	return Config{
		Network:         "tcp",
		Addr:            "127.0.0.1:6379",
		Timeout:         3 * time.Second,
		PoolSize:        10,
		PoolTimeout:     3 * time.Second,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}
}

func (cfg Config) retryPolicy() retry.Policy {
	backoff := cfg.RetryBackoff
	if backoff == nil {
		backoff = retry.EqualJitter{Base: cfg.MinRetryBackoff, Cap: cfg.MaxRetryBackoff}
	}
	return retry.Policy{MaxRetries: cfg.MaxRetries, Backoff: backoff, OnRetry: cfg.OnRetry}
}
