// Package pool implements a bounded, process-safe bag of redis.Conn
// values addressing one endpoint: checkout/checkin with LIFO reuse,
// lazy discard of connections that are broken or closed, and bounded
// blocking on checkout when the pool is fully checked out. A
// connection left over from a different process (after a fork) is not
// discarded here; redis.Conn detects the fork and re-dials on its next
// use.
package pool

import (
	"sync"
	"time"

	"github.com/bsbodden/goradix/rediserr"
	"github.com/bsbodden/goradix/redis"
)

// Config configures a Pool. Capacity bounds the number of connections
// that may be checked out or idle at once; PoolTimeout bounds how long
// Get blocks when the pool is exhausted. MaxConnAge, if positive,
// bounds how long a connection may sit idle: Get closes and skips an
// idle connection whose last Put was more than MaxConnAge ago. The time
// since a connection was opened is not tracked, so a connection that
// is checked out and returned often is never retired for age.
type Config struct {
	Capacity    int
	PoolTimeout time.Duration
	MaxConnAge  time.Duration
	Dial        func() (*redis.Conn, error)
}

type idleConn struct {
	conn     *redis.Conn
	openedAt time.Time
}

// Pool is a fixed-capacity bag of Connections, all addressing the same
// endpoint with the same prelude configuration (§4.4). Pool is safe
// for concurrent use (§5).
type Pool struct {
	cfg   Config
	mu    sync.Mutex
	idle  []idleConn    // LIFO: idle[len-1] is most-recently-used
	slots chan struct{} // one token per available capacity unit
}

// New constructs a Pool. Capacity must be positive.
func New(cfg Config) *Pool {
	slots := make(chan struct{}, cfg.Capacity)
	for i := 0; i < cfg.Capacity; i++ {
		slots <- struct{}{}
	}
	return &Pool{cfg: cfg, slots: slots}
}

// Get checks out a connection, blocking up to cfg.PoolTimeout if the
// pool is fully checked out. It returns the most-recently-used viable
// idle connection if one exists; non-viable idle connections (closed,
// broken, or idle longer than MaxConnAge) are discarded and skipped
// rather than returned. The process identity is not checked here; a
// Conn inherited across a fork re-dials on its next use.
func (p *Pool) Get() (*redis.Conn, error) {
	timer := time.NewTimer(p.cfg.PoolTimeout)
	defer timer.Stop()

	select {
	case <-p.slots:
	case <-timer.C:
		return nil, &rediserr.ConnectionError{Err: errPoolTimeout{}}
	}

	for {
		ic := p.popIdle()
		if ic == nil {
			break
		}
		if ic.conn.State() == redis.Closed || ic.conn.State() == redis.Broken {
			ic.conn.Close()
			continue
		}
		if p.cfg.MaxConnAge > 0 && time.Since(ic.openedAt) > p.cfg.MaxConnAge {
			ic.conn.Close()
			continue
		}
		return ic.conn, nil
	}

	conn, err := p.cfg.Dial()
	if err != nil {
		p.slots <- struct{}{} // release the slot we couldn't fill
		return nil, err
	}
	return conn, nil
}

// Put returns conn to the pool unless it is broken or closed, in
// which case it is discarded (closed, if not already) and its slot is
// still freed so a replacement may be dialed lazily on the next Get.
func (p *Pool) Put(conn *redis.Conn) {
	if conn.State() == redis.Broken || conn.State() == redis.Closed {
		conn.Close()
		p.slots <- struct{}{}
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, idleConn{conn: conn, openedAt: time.Now()})
	p.mu.Unlock()
	p.slots <- struct{}{}
}

func (p *Pool) popIdle() *idleConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	ic := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return &ic
}

// Shutdown closes every idle connection. Connections currently checked
// out are the borrower's responsibility to close on Put/discard.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, ic := range idle {
		ic.conn.Close()
	}
}

type errPoolTimeout struct{}

func (errPoolTimeout) Error() string { return "redis: pool checkout timed out" }
