// Package cluster implements ClusterRouter (§4.8): slot-aware command
// dispatch over a map of address -> connection pool, kept up to date
// via CLUSTER SLOTS and MOVED/ASK/TRYAGAIN/CLUSTERDOWN redirection.
package cluster

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bsbodden/goradix/pool"
	"github.com/bsbodden/goradix/rediserr"
	"github.com/bsbodden/goradix/redis"
	"github.com/bsbodden/goradix/resp"
	"github.com/bsbodden/goradix/retry"
)

// Options configures a Router.
type Options struct {
	// SeedAddr is the address of a single cluster node used to bootstrap
	// the topology via CLUSTER SLOTS.
	SeedAddr string

	Timeout  time.Duration
	PoolSize int
	Password string
	DB       int

	// ResetThrottle bounds how often Reset actually re-queries CLUSTER
	// SLOTS; calls within the throttle window are no-ops. Default 10s.
	ResetThrottle time.Duration

	// MaxRedirects bounds how many times one command is re-dispatched
	// (MOVED and ASK hops, TRYAGAIN retries, and retries after a
	// connection error) before giving up. Default 16.
	MaxRedirects int

	// MaxTryAgain bounds TRYAGAIN retries per command before raising
	// TryAgainError. Default 5.
	MaxTryAgain int

	// TryAgainBackoff computes the sleep between TRYAGAIN retries.
	// Default retry.Constant{Delay: 20ms}.
	TryAgainBackoff retry.Backoff

	// Dial overrides transport establishment per node address; nil uses
	// redis.Config's default dialer. Tests substitute a scripted
	// net.Pipe-backed transport per address (same "inject the
	// transport" pattern as package redis).
	Dial func(addr string) redis.DialFunc
}

func (o *Options) setDefaults() {
	if o.ResetThrottle <= 0 {
		o.ResetThrottle = 10 * time.Second
	}
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = 16
	}
	if o.MaxTryAgain <= 0 {
		o.MaxTryAgain = 5
	}
	if o.TryAgainBackoff == nil {
		o.TryAgainBackoff = retry.Constant{Delay: 20 * time.Millisecond}
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
}

// Router owns one connection pool per cluster node and a slot -> node
// address map, refreshed via CLUSTER SLOTS. Router is safe for
// concurrent use (§5): the slot map and pool table are guarded by an
// RWMutex, refreshed under the exclusive side and read under the
// shared side.
type Router struct {
	opts Options

	mu        sync.RWMutex
	slotAddr  [numSlots]string
	pools     map[string]*pool.Pool
	lastReset time.Time

	// MissCh receives a value on every MOVED/ASK redirect. ChangeCh
	// receives a value whenever Reset observes a topology change.
	// Neither channel blocks a caller: sends are dropped if nothing is
	// listening.
	MissCh   chan struct{}
	ChangeCh chan struct{}
}

// New bootstraps a Router from a single seed node and performs an
// initial CLUSTER SLOTS refresh.
func New(opts Options) (*Router, error) {
	opts.setDefaults()
	r := &Router{
		opts:     opts,
		pools:    make(map[string]*pool.Pool),
		MissCh:   make(chan struct{}, 1),
		ChangeCh: make(chan struct{}, 1),
	}
	r.pools[opts.SeedAddr] = r.newPool(opts.SeedAddr)
	if err := r.resetForce(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) newPool(addr string) *pool.Pool {
	return pool.New(pool.Config{
		Capacity:    r.opts.PoolSize,
		PoolTimeout: r.poolCheckoutTimeout(),
		Dial: func() (*redis.Conn, error) {
			cfg := redis.Config{
				Network:  "tcp",
				Addr:     addr,
				Password: r.opts.Password,
				DB:       r.opts.DB,
				Timeout:  r.opts.Timeout,
			}
			if r.opts.Dial != nil {
				cfg.Dial = r.opts.Dial(addr)
			}
			return redis.New(cfg), nil
		},
	})
}

func (r *Router) poolCheckoutTimeout() time.Duration {
	if r.opts.Timeout > 0 {
		return r.opts.Timeout
	}
	return time.Second
}

// Reset re-queries CLUSTER SLOTS and rebuilds the pool table, throttled
// to at most once per ResetThrottle so concurrent callers racing a
// redirect don't all hammer the cluster at once.
func (r *Router) Reset() error {
	r.mu.Lock()
	if time.Since(r.lastReset) < r.opts.ResetThrottle && !r.lastReset.IsZero() {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	return r.resetForce()
}

func (r *Router) resetForce() error {
	r.mu.RLock()
	p, addr := r.anyPoolLocked()
	r.mu.RUnlock()
	if p == nil {
		return &rediserr.ClusterError{Err: errNoNodes{}}
	}

	conn, err := p.Get()
	if err != nil {
		return err
	}
	v, err := conn.Call([]byte("CLUSTER"), []byte("SLOTS"))
	p.Put(conn)
	if err != nil {
		return err
	}
	if v.Type != resp.Array {
		return &rediserr.ProtocolError{Msg: "CLUSTER SLOTS did not reply with an array"}
	}

	var newSlotAddr [numSlots]string
	newPools := make(map[string]*pool.Pool)
	changed := false

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, group := range v.Elems {
		if len(group.Elems) < 3 {
			continue
		}
		start := int(group.Elems[0].Int)
		end := int(group.Elems[1].Int)
		node := group.Elems[2]
		if len(node.Elems) < 2 {
			continue
		}
		ip := string(node.Elems[0].Str)
		port := node.Elems[1].Int
		nodeAddr := addr
		if ip != "" {
			nodeAddr = ip + ":" + strconv.FormatInt(port, 10)
		}
		for slot := start; slot <= end && slot < numSlots; slot++ {
			newSlotAddr[slot] = nodeAddr
		}
		if _, ok := newPools[nodeAddr]; ok {
			continue
		}
		if existing, ok := r.pools[nodeAddr]; ok {
			newPools[nodeAddr] = existing
		} else {
			newPools[nodeAddr] = r.newPool(nodeAddr)
			changed = true
		}
	}

	for addr, p := range r.pools {
		if _, ok := newPools[addr]; !ok {
			p.Shutdown()
			changed = true
		}
	}

	r.slotAddr = newSlotAddr
	r.pools = newPools
	r.lastReset = time.Now()

	if changed {
		select {
		case r.ChangeCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (r *Router) anyPoolLocked() (*pool.Pool, string) {
	for addr, p := range r.pools {
		return p, addr
	}
	return nil, ""
}

func (r *Router) addrForSlot(slot int) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slotAddr[slot]
}

func (r *Router) poolFor(addr string) *pool.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[addr]; ok {
		return p
	}
	p := r.newPool(addr)
	r.pools[addr] = p
	return p
}

// SlotForKey returns the slot a key hashes to, applying hash-tag
// extraction per §4.8.
func SlotForKey(key string) int { return keyToSlot(key) }

// CrossSlotCheck returns the common slot for keys, or CrossSlotError if
// they do not all hash to the same slot (§4.8, client-side, no network
// call).
func CrossSlotCheck(keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	slot := keyToSlot(keys[0])
	for _, k := range keys[1:] {
		if keyToSlot(k) != slot {
			return 0, &rediserr.CrossSlotError{Keys: keys}
		}
	}
	return slot, nil
}

// Call dispatches a single-key command, handling MOVED/ASK/TRYAGAIN/
// CLUSTERDOWN redirection transparently. key selects the slot; args is
// the full command including its name.
func (r *Router) Call(key string, args [][]byte) (resp.Value, error) {
	slot := keyToSlot(key)
	return r.callSlot(slot, args)
}

// CallOnKeys dispatches a multi-key command after verifying all keys
// hash to the same slot.
func (r *Router) CallOnKeys(keys []string, args [][]byte) (resp.Value, error) {
	slot, err := CrossSlotCheck(keys)
	if err != nil {
		return resp.Value{}, err
	}
	return r.callSlot(slot, args)
}

func (r *Router) callSlot(slot int, args [][]byte) (resp.Value, error) {
	addr := r.addrForSlot(slot)
	if addr == "" {
		if _, a := r.anyPoolLocked1(); a != "" {
			addr = a
		}
	}

	ask := false
	tryAgainAttempts := 0
	for redirects := 0; ; redirects++ {
		if redirects > r.opts.MaxRedirects {
			return resp.Value{}, &rediserr.ClusterError{Err: errTooManyRedirects{}}
		}

		p := r.poolFor(addr)
		conn, err := p.Get()
		if err != nil {
			return resp.Value{}, err
		}

		if ask {
			if _, err := conn.Call([]byte("ASKING")); err != nil {
				p.Put(conn)
				return resp.Value{}, err
			}
			ask = false
		}

		v, err := conn.Call(args...)
		if err != nil {
			p.Put(conn)
			if rediserr.IsRetriable(err) {
				if resetErr := r.Reset(); resetErr == nil {
					addr = r.addrForSlot(slot)
				}
				continue
			}
			return resp.Value{}, err
		}
		p.Put(conn)

		if v.Type != resp.ErrorReply {
			return v, nil
		}

		msg := string(v.Str)
		switch {
		case strings.HasPrefix(msg, "MOVED "):
			newSlot, newAddr := parseRedirect(msg)
			r.mu.Lock()
			if newSlot >= 0 && newSlot < numSlots {
				r.slotAddr[newSlot] = newAddr
			}
			r.mu.Unlock()
			r.notifyMiss()
			addr = newAddr
			continue
		case strings.HasPrefix(msg, "ASK "):
			_, newAddr := parseRedirect(msg)
			r.notifyMiss()
			addr = newAddr
			ask = true
			continue
		case strings.HasPrefix(msg, "TRYAGAIN"):
			tryAgainAttempts++
			if tryAgainAttempts > r.opts.MaxTryAgain {
				return resp.Value{}, &rediserr.TryAgainError{Attempts: tryAgainAttempts}
			}
			time.Sleep(r.opts.TryAgainBackoff.Compute(tryAgainAttempts))
			continue
		case strings.HasPrefix(msg, "CLUSTERDOWN"):
			return resp.Value{}, &rediserr.ClusterDownError{Message: msg}
		default:
			return v, nil
		}
	}
}

func (r *Router) anyPoolLocked1() (*pool.Pool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.anyPoolLocked()
}

func (r *Router) notifyMiss() {
	select {
	case r.MissCh <- struct{}{}:
	default:
	}
}

func parseRedirect(msg string) (int, string) {
	parts := strings.Fields(msg)
	if len(parts) < 3 {
		return -1, ""
	}
	slot, err := strconv.Atoi(parts[1])
	if err != nil {
		return -1, parts[2]
	}
	return slot, parts[2]
}

// Pin returns a checked-out connection for a WATCH+MULTI transaction
// window (§4.8). If keys is non-empty, all keys must hash to the same
// slot (CrossSlotError otherwise) and the connection addresses that
// slot's node. If keys is empty (MULTI with no prior WATCH), a
// connection to an arbitrary known master is returned. The caller must
// call release when the transaction window ends.
func (r *Router) Pin(keys []string) (conn *redis.Conn, release func(), err error) {
	var addr string
	if len(keys) > 0 {
		slot, err := CrossSlotCheck(keys)
		if err != nil {
			return nil, nil, err
		}
		addr = r.addrForSlot(slot)
	}
	var p *pool.Pool
	if addr == "" {
		p, addr = r.anyPoolLocked1()
		if p == nil {
			return nil, nil, &rediserr.ClusterError{Err: errNoNodes{}}
		}
	} else {
		p = r.poolFor(addr)
	}
	conn, err = p.Get()
	if err != nil {
		return nil, nil, err
	}
	return conn, func() { p.Put(conn) }, nil
}

// GetEvery returns the result of running args against one connection
// per known master, keyed by node address, grounded on
// kevwan-radix.v2/cluster.go's GetEvery fan-out. A per-node failure is
// recorded in errs rather than aborting the whole fan-out.
func (r *Router) GetEvery(args [][]byte) (results map[string]resp.Value, errs map[string]error) {
	r.mu.RLock()
	addrs := make([]string, 0, len(r.pools))
	pools := make(map[string]*pool.Pool, len(r.pools))
	for addr, p := range r.pools {
		addrs = append(addrs, addr)
		pools[addr] = p
	}
	r.mu.RUnlock()

	results = make(map[string]resp.Value, len(addrs))
	errs = make(map[string]error)
	for _, addr := range addrs {
		p := pools[addr]
		conn, err := p.Get()
		if err != nil {
			errs[addr] = err
			continue
		}
		v, err := conn.Call(args...)
		p.Put(conn)
		if err != nil {
			errs[addr] = err
			continue
		}
		results[addr] = v
	}
	return results, errs
}

// Close shuts down every node pool. No other methods should be called
// afterward.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		p.Shutdown()
	}
	r.pools = make(map[string]*pool.Pool)
}

type errNoNodes struct{}

func (errNoNodes) Error() string { return "redis: cluster has no known nodes" }

type errTooManyRedirects struct{}

func (errTooManyRedirects) Error() string { return "redis: too many cluster redirects" }
