// Package sentinel implements SentinelResolver (§4.9): master/replica
// discovery against a list of Redis Sentinel instances, with role
// verification and failover-triggered rediscovery.
package sentinel

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bsbodden/goradix/rediserr"
	"github.com/bsbodden/goradix/redis"
	"github.com/bsbodden/goradix/resp"
)

// Replica is one entry returned by DiscoverReplicas.
type Replica struct {
	Host string
	Port string
}

// Config configures a Resolver.
type Config struct {
	// Addrs is the initial, ordered list of sentinel addresses.
	Addrs []string

	// Service is the monitored master's name, as configured in every
	// sentinel's sentinel.conf.
	Service string

	Password string
	Timeout  time.Duration

	// MinOtherSentinels is the minimum num-other-sentinels a candidate
	// master entry must report to be considered healthy.
	MinOtherSentinels int

	// Dial overrides transport establishment per sentinel address; nil
	// uses redis.Config's default dialer. Tests substitute a scripted
	// transport, the same pattern as package redis and package
	// cluster.
	Dial func(addr string) redis.DialFunc
}

// Resolver holds the ordered sentinel address list and discovers the
// current master/replicas for one monitored service. Its sentinel list
// is mutated only under an exclusive lock (§5); reads take a shared
// lock.
type Resolver struct {
	cfg Config

	mu             sync.RWMutex
	addrs          []string
	lastMasterAddr string // cleared by Reset; informational only
}

// New constructs a Resolver over cfg.Addrs, which must be non-empty.
func New(cfg Config) *Resolver {
	addrs := make([]string, len(cfg.Addrs))
	copy(addrs, cfg.Addrs)
	return &Resolver{cfg: cfg, addrs: addrs}
}

func (r *Resolver) addrList() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.addrs))
	copy(out, r.addrs)
	return out
}

// promote moves addr to the front of the address list, so the next
// discovery call tries the sentinel that last answered successfully
// first.
func (r *Resolver) promote(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range r.addrs {
		if a == addr {
			r.addrs = append(append([]string{addr}, r.addrs[:i]...), r.addrs[i+1:]...)
			return
		}
	}
}

func (r *Resolver) dialSentinel(addr string) (*redis.Conn, error) {
	cfg := redis.Config{
		Network:  "tcp",
		Addr:     addr,
		Password: r.cfg.Password,
		Timeout:  r.cfg.Timeout,
	}
	if r.cfg.Dial != nil {
		cfg.Dial = r.cfg.Dial(addr)
	}
	conn := redis.New(cfg)
	// Force connection now so a dead sentinel is skipped immediately
	// rather than on the first real command.
	if _, err := conn.Call([]byte("PING")); err != nil {
		return nil, err
	}
	return conn, nil
}

// DiscoverMaster iterates sentinels in order, querying SENTINEL
// MASTERS and validating the entry named Service (§4.9). The first
// sentinel to report a healthy master is promoted to the front of the
// address list.
func (r *Resolver) DiscoverMaster() (host, port string, err error) {
	for _, addr := range r.addrList() {
		conn, dialErr := r.dialSentinel(addr)
		if dialErr != nil {
			continue
		}
		h, p, ok, queryErr := r.queryMaster(conn)
		conn.Close()
		if queryErr != nil || !ok {
			continue
		}
		r.promote(addr)
		r.mu.Lock()
		r.lastMasterAddr = h + ":" + p
		r.mu.Unlock()
		return h, p, nil
	}
	return "", "", &rediserr.MasterNotFoundError{Service: r.cfg.Service}
}

func (r *Resolver) queryMaster(conn *redis.Conn) (host, port string, ok bool, err error) {
	v, err := conn.Call([]byte("SENTINEL"), []byte("MASTERS"))
	if err != nil {
		return "", "", false, err
	}
	for _, entry := range v.Elems {
		m := flatMap(entry)
		if m["name"] != r.cfg.Service {
			continue
		}
		flags := m["flags"]
		roleOK := m["role-reported"] == "master" || containsFlag(flags, "master")
		healthy := !containsFlag(flags, "s_down") && !containsFlag(flags, "o_down")
		numOther := atoiDefault(m["num-other-sentinels"], 0)
		if roleOK && healthy && numOther >= r.cfg.MinOtherSentinels {
			return m["ip"], m["port"], true, nil
		}
		return "", "", false, nil
	}
	return "", "", false, nil
}

// DiscoverReplicas iterates sentinels in order, querying SENTINEL
// REPLICAS service and filtering out entries flagged s_down, o_down,
// or disconnected. The first sentinel to report a non-empty filtered
// list is promoted to the front of the address list.
func (r *Resolver) DiscoverReplicas() ([]Replica, error) {
	for _, addr := range r.addrList() {
		conn, dialErr := r.dialSentinel(addr)
		if dialErr != nil {
			continue
		}
		replicas, queryErr := r.queryReplicas(conn)
		conn.Close()
		if queryErr != nil || len(replicas) == 0 {
			continue
		}
		r.promote(addr)
		return replicas, nil
	}
	return nil, &rediserr.ReplicaNotFoundError{Service: r.cfg.Service}
}

func (r *Resolver) queryReplicas(conn *redis.Conn) ([]Replica, error) {
	v, err := conn.Call([]byte("SENTINEL"), []byte("REPLICAS"), []byte(r.cfg.Service))
	if err != nil {
		return nil, err
	}
	var out []Replica
	for _, entry := range v.Elems {
		m := flatMap(entry)
		flags := m["flags"]
		if containsFlag(flags, "s_down") || containsFlag(flags, "o_down") || containsFlag(flags, "disconnected") {
			continue
		}
		out = append(out, Replica{Host: m["ip"], Port: m["port"]})
	}
	return out, nil
}

// RefreshSentinelAddrs queries SENTINEL SENTINELS <service> on conn
// (already connected to one known-good sentinel) and appends any
// newly discovered sentinel addresses to the resolver's address book,
// grounded on ateleshev-radix.v2/sentinel2/sentinel.go's
// ensureSentinelAddrs — SENTINEL SENTINELS never reports the sentinel
// answering the query, only the others it knows about.
func (r *Resolver) RefreshSentinelAddrs(conn *redis.Conn) error {
	v, err := conn.Call([]byte("SENTINEL"), []byte("SENTINELS"), []byte(r.cfg.Service))
	if err != nil {
		return err
	}
	known := make(map[string]bool)
	r.mu.RLock()
	for _, a := range r.addrs {
		known[a] = true
	}
	r.mu.RUnlock()

	var fresh []string
	for _, entry := range v.Elems {
		m := flatMap(entry)
		addr := m["ip"] + ":" + m["port"]
		if m["ip"] != "" && !known[addr] {
			fresh = append(fresh, addr)
			known[addr] = true
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	r.mu.Lock()
	r.addrs = append(r.addrs, fresh...)
	r.mu.Unlock()
	return nil
}

// VerifyRole sends ROLE on conn and confirms its first element matches
// the intent (wantMaster selects "master" vs "slave"). A mismatch
// returns FailoverError and resets the resolver so the next discovery
// call starts fresh (§4.9).
func (r *Resolver) VerifyRole(conn *redis.Conn, wantMaster bool) error {
	v, err := conn.Call([]byte("ROLE"))
	if err != nil {
		return err
	}
	if v.Type != resp.Array || len(v.Elems) == 0 {
		return &rediserr.ProtocolError{Msg: "ROLE did not reply with an array"}
	}
	got := string(v.Elems[0].Str)
	want := "slave"
	if wantMaster {
		want = "master"
	}
	if got != want {
		r.Reset()
		return &rediserr.FailoverError{Wanted: want, Got: got}
	}
	return nil
}

// Reset clears the resolver's cached last-known-master informational
// value so the next DiscoverMaster call is unconditionally treated as
// a fresh discovery. The sentinel address ordering (which sentinel to
// try first) is left intact, since it remains a reasonable guess even
// after a failover.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastMasterAddr = ""
}

// LastMasterAddr returns the host:port returned by the most recent
// successful DiscoverMaster call, or "" if none has succeeded since
// construction or the last Reset.
func (r *Resolver) LastMasterAddr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastMasterAddr
}

func flatMap(v resp.Value) map[string]string {
	m := make(map[string]string, len(v.Elems)/2)
	for i := 0; i+1 < len(v.Elems); i += 2 {
		m[string(v.Elems[i].Str)] = string(v.Elems[i+1].Str)
	}
	return m
}

func containsFlag(flags, want string) bool {
	for _, f := range strings.Split(flags, ",") {
		if f == want {
			return true
		}
	}
	return false
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
