package goradix

import (
	"github.com/bsbodden/goradix/cache"
	"github.com/bsbodden/goradix/cluster"
	"github.com/bsbodden/goradix/pool"
	"github.com/bsbodden/goradix/rediserr"
	"github.com/bsbodden/goradix/redis"
	"github.com/bsbodden/goradix/sentinel"
	"github.com/bsbodden/goradix/session"
)

// Client is the constructed, ready-to-use stack for one Config: a
// connection pool in standalone and sentinel mode, or a cluster.Router
// in cluster mode.
type Client struct {
	cfg Config

	pool     *pool.Pool
	router   *cluster.Router
	resolver *sentinel.Resolver
}

// New builds a Client from defaultConfig plus the given Options.
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.parseErr != nil {
		return nil, cfg.parseErr
	}
	if cfg.Cluster != nil && cfg.Sentinel != nil {
		return nil, &rediserr.ArgumentError{Msg: "WithCluster and WithSentinels are mutually exclusive"}
	}

	switch {
	case cfg.Cluster != nil:
		return newClusterClient(cfg)
	case cfg.Sentinel != nil:
		return newSentinelClient(cfg)
	default:
		return newStandaloneClient(cfg)
	}
}

func connConfig(cfg Config, addr string) redis.Config {
	return redis.Config{
		Network:   cfg.Network,
		Addr:      addr,
		TLSConfig: cfg.TLSConfig,
		Username:  cfg.Username,
		Password:  cfg.Password,
		DB:        cfg.DB,
		Timeout:   cfg.Timeout,
		Dial:      cfg.Dial,
	}
}

func newStandaloneClient(cfg Config) (*Client, error) {
	p := pool.New(pool.Config{
		Capacity:    cfg.PoolSize,
		PoolTimeout: cfg.PoolTimeout,
		MaxConnAge:  cfg.MaxConnAge,
		Dial: func() (*redis.Conn, error) {
			return redis.New(connConfig(cfg, cfg.Addr)), nil
		},
	})
	return &Client{cfg: cfg, pool: p}, nil
}

func newClusterClient(cfg Config) (*Client, error) {
	opts := *cfg.Cluster
	if opts.Timeout <= 0 {
		opts.Timeout = cfg.Timeout
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.Password == "" {
		opts.Password = cfg.Password
	}
	if opts.DB == 0 {
		opts.DB = cfg.DB
	}
	r, err := cluster.New(opts)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, router: r}, nil
}

func newSentinelClient(cfg Config) (*Client, error) {
	sc := *cfg.Sentinel
	if sc.Timeout <= 0 {
		sc.Timeout = cfg.Timeout
	}
	if sc.Password == "" {
		sc.Password = cfg.Password
	}
	return &Client{cfg: cfg, resolver: sentinel.New(sc)}, nil
}

// Router returns the underlying cluster.Router. It is only valid in
// cluster mode (a Client built with WithCluster); nil otherwise.
func (c *Client) Router() *cluster.Router {
	return c.router
}

// Session checks out one connection (standalone and sentinel mode)
// and returns a Session bound to it, along with a release func the
// caller must invoke exactly once when done. Cluster mode has no
// single-connection Session; use Router instead.
func (c *Client) Session() (*session.Session, func(), error) {
	switch {
	case c.router != nil:
		return nil, nil, &rediserr.ArgumentError{Msg: "Session is not available in cluster mode; use Router"}
	case c.resolver != nil:
		return c.sentinelSession()
	default:
		return c.standaloneSession()
	}
}

func (c *Client) standaloneSession() (*session.Session, func(), error) {
	conn, err := c.pool.Get()
	if err != nil {
		return nil, nil, err
	}
	sess, err := c.newSession(conn)
	if err != nil {
		c.pool.Put(conn)
		return nil, nil, err
	}
	return sess, func() { c.pool.Put(conn) }, nil
}

func (c *Client) sentinelSession() (*session.Session, func(), error) {
	host, port, err := c.resolver.DiscoverMaster()
	if err != nil {
		return nil, nil, err
	}
	conn := redis.New(connConfig(c.cfg, host+":"+port))
	if err := c.resolver.VerifyRole(conn, true); err != nil {
		conn.Close()
		return nil, nil, err
	}
	sess, err := c.newSession(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return sess, func() { conn.Close() }, nil
}

func (c *Client) newSession(conn *redis.Conn) (*session.Session, error) {
	var ca *cache.Cache
	if c.cfg.Cache != nil {
		ca = cache.New(*c.cfg.Cache)
	}
	sess := session.New(session.Config{Conn: conn, Cache: ca, Retry: c.cfg.retryPolicy()})
	if ca != nil {
		if err := sess.EnableTracking(); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// Close releases the Client's pooled resources: every idle pooled
// connection in standalone mode, or every node pool the Router holds
// in cluster mode. Sentinel mode dials one dedicated connection per
// Session rather than pooling, so Close has nothing to release there.
func (c *Client) Close() {
	switch {
	case c.router != nil:
		c.router.Close()
	case c.pool != nil:
		c.pool.Shutdown()
	}
}
