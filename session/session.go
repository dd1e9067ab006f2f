// Package session implements the client session: a stateful wrapper
// around one Connection enforcing ordering across ordinary calls,
// pipelines, and MULTI/WATCH transactions, with bounded automatic
// retry on transient failure and an optional client-side cache.
package session

import (
	"sync"
	"time"

	"github.com/bsbodden/goradix/cache"
	"github.com/bsbodden/goradix/pubsub"
	"github.com/bsbodden/goradix/redis"
	"github.com/bsbodden/goradix/rediserr"
	"github.com/bsbodden/goradix/resp"
	"github.com/bsbodden/goradix/retry"
)

// Mode is one of Normal, Watching, InMulti.
type Mode int

const (
	Normal Mode = iota
	Watching
	InMulti
)

func (m Mode) String() string {
	switch m {
	case Watching:
		return "watching"
	case InMulti:
		return "in-multi"
	default:
		return "normal"
	}
}

// Config binds a Session to its Connection, retry policy, and optional
// cache.
type Config struct {
	Conn  *redis.Conn
	Cache *cache.Cache // nil disables client-side caching
	Retry retry.Policy
}

// Session owns one Connection exclusively and tracks the transaction
// mode. It is not safe for concurrent use from multiple goroutines
// beyond the serialization its own mutex provides around mode
// transitions; the underlying Conn serializes the wire itself.
type Session struct {
	conn   *redis.Conn
	cache  *cache.Cache
	policy retry.Policy

	mu   sync.Mutex
	mode Mode
}

// New constructs a Session in Normal mode.
func New(cfg Config) *Session {
	return &Session{conn: cfg.Conn, cache: cfg.Cache, policy: cfg.Retry}
}

// Mode reports the current transaction mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// roundTrip performs one write+read, transparently draining any RESP3
// invalidation Push frames that precede the real reply when a cache is
// attached and active. With no active cache there is no push traffic
// to expect, so the plain Call path is used.
func (s *Session) roundTrip(args [][]byte) (resp.Value, error) {
	if s.cache == nil || !s.cache.Active() {
		return s.conn.Call(args...)
	}
	if err := s.conn.WriteCommand(args); err != nil {
		return resp.Value{}, err
	}
	for {
		v, err := s.conn.ReadValue(time.Time{})
		if err != nil {
			return resp.Value{}, err
		}
		if keys, flushAll, ok := cache.IsInvalidationPush(v); ok {
			s.cache.ApplyInvalidation(keys, flushAll)
			continue
		}
		return v, nil
	}
}

// runPipeline is the pipeline analogue of roundTrip: Conn.Pipeline's
// exactly-N-replies-for-N-commands framing can't distinguish an
// interleaved Push frame from the next reply, so an active cache falls
// back to a WriteCommand/ReadValue loop that filters pushes out before
// counting replies.
func (s *Session) runPipeline(cmds [][][]byte) ([]resp.Value, error) {
	if s.cache == nil || !s.cache.Active() {
		return s.conn.Pipeline(cmds)
	}
	for _, cmd := range cmds {
		if err := s.conn.WriteCommand(cmd); err != nil {
			return nil, err
		}
	}
	results := make([]resp.Value, 0, len(cmds))
	for len(results) < len(cmds) {
		v, err := s.conn.ReadValue(time.Time{})
		if err != nil {
			return results, err
		}
		if keys, flushAll, ok := cache.IsInvalidationPush(v); ok {
			s.cache.ApplyInvalidation(keys, flushAll)
			continue
		}
		results = append(results, v)
	}
	return results, nil
}

// Call sends args and returns the reply, applying the session's retry
// policy only when the connection was not already Open beforehand
// (i.e. the failure, if any, happens before anything is sent on this
// call). Once the connection is live, a non-idempotent Call that fails
// mid-flight surfaces the error rather than risk a second send; use
// CallIdempotent for operations safe to retry unconditionally.
func (s *Session) Call(args ...[]byte) (resp.Value, error) {
	return s.call(args, false)
}

// CallIdempotent is Call for operations the caller has determined are
// safe to retry even after the connection was already open (reads, or
// writes the caller has made idempotent at a higher layer).
func (s *Session) CallIdempotent(args ...[]byte) (resp.Value, error) {
	return s.call(args, true)
}

func (s *Session) call(args [][]byte, idempotent bool) (resp.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == InMulti {
		return resp.Value{}, &rediserr.ArgumentError{Msg: "call is not allowed while a transaction is open"}
	}

	preflightOpen := s.conn.State() == redis.Open
	if preflightOpen && !idempotent {
		return s.roundTrip(args)
	}

	var v resp.Value
	err := s.policy.Execute(func() error {
		var callErr error
		v, callErr = s.roundTrip(args)
		return callErr
	})
	return v, err
}

// CallCached is Call for a read the caller wants served through the
// client-side cache, keyed by key (key extraction from a command's
// arguments is the caller's responsibility; it is not derivable in
// general without per-command knowledge). On a cache hit the server is
// not contacted. On a miss, dir governs OptIn/OptOut store behavior per
// the Cache's configured mode.
func (s *Session) CallCached(key string, dir cache.Directive, args ...[]byte) (resp.Value, error) {
	if s.cache == nil {
		return s.CallIdempotent(args...)
	}
	if v, ok := s.cache.Lookup(key); ok {
		return v, nil
	}
	if s.cache.ShouldSendCachingYes(dir) {
		if _, err := s.CallIdempotent([]byte("CLIENT"), []byte("CACHING"), []byte("YES")); err != nil {
			return resp.Value{}, err
		}
	}
	v, err := s.CallIdempotent(args...)
	if err != nil {
		return resp.Value{}, err
	}
	if s.cache.ShouldStore(v, dir) {
		s.cache.Store(key, v)
	}
	return v, nil
}

// EnableTracking sends CLIENT TRACKING ON (with the cache's configured
// mode argument) and marks the cache active on success. A no-op if no
// cache is attached.
func (s *Session) EnableTracking() error {
	if s.cache == nil {
		return nil
	}
	v, err := s.Call(s.cache.TrackingCommand(true)...)
	if err != nil {
		return err
	}
	if msg, isErr := v.Err(); isErr {
		return rediserr.ClassifyCommandError(msg)
	}
	s.cache.MarkEnabled()
	return nil
}

// DisableTracking sends CLIENT TRACKING OFF best-effort and clears the
// cache regardless of the reply, per the cache's lifecycle contract.
func (s *Session) DisableTracking() error {
	if s.cache == nil {
		return nil
	}
	_, err := s.Call(s.cache.TrackingCommand(false)...)
	s.cache.MarkDisabled()
	return err
}

// Future resolves to the result of one command queued inside a
// Pipelined or Multi block, once the pipeline or transaction has been
// flushed. Reading it before that raises FutureNotReady.
type Future struct {
	ready bool
	value resp.Value
	err   error
}

// Value returns the resolved reply, or FutureNotReady if the owning
// pipeline/transaction has not been flushed yet.
func (f *Future) Value() (resp.Value, error) {
	if !f.ready {
		return resp.Value{}, &rediserr.FutureNotReady{}
	}
	return f.value, f.err
}

// Pipeline collects commands queued inside a Pipelined or Multi block.
type Pipeline struct {
	cmds    [][][]byte
	futures []*Future
}

// Queue appends one command to the pipeline and returns a Future for
// its eventual reply.
func (p *Pipeline) Queue(args ...[]byte) *Future {
	f := &Future{}
	p.cmds = append(p.cmds, args)
	p.futures = append(p.futures, f)
	return f
}

func resolveFutures(futures []*Future, results []resp.Value) {
	for i, f := range futures {
		f.ready = true
		if i >= len(results) {
			continue
		}
		f.value = results[i]
		if msg, isErr := results[i].Err(); isErr {
			f.err = rediserr.ClassifyCommandError(msg)
		}
	}
}

func firstError(results []resp.Value) error {
	for _, r := range results {
		if msg, isErr := r.Err(); isErr {
			return rediserr.ClassifyCommandError(msg)
		}
	}
	return nil
}

// Pipelined runs block to collect queued commands, flushes them as one
// pipeline, and resolves each Future. The first per-command error
// reply, if any, is raised after the Futures are resolved. Use
// PipelinedTolerant to receive errors as values instead.
func (s *Session) Pipelined(block func(*Pipeline)) ([]resp.Value, error) {
	return s.pipelined(block, true)
}

// PipelinedTolerant is Pipelined but never raises a per-command error
// reply; the caller inspects each Future (or the returned slice)
// directly.
func (s *Session) PipelinedTolerant(block func(*Pipeline)) ([]resp.Value, error) {
	return s.pipelined(block, false)
}

func (s *Session) pipelined(block func(*Pipeline), raiseFirstError bool) ([]resp.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == InMulti {
		return nil, &rediserr.ArgumentError{Msg: "pipelined calls are not allowed while a transaction is open"}
	}

	p := &Pipeline{}
	block(p)
	if len(p.cmds) == 0 {
		return nil, nil
	}

	preflightOpen := s.conn.State() == redis.Open
	var results []resp.Value
	run := func() error {
		var err error
		results, err = s.runPipeline(p.cmds)
		return err
	}
	var err error
	if preflightOpen {
		err = run()
	} else {
		err = s.policy.Execute(run)
	}

	resolveFutures(p.futures, results)
	if err != nil {
		return results, err
	}
	if raiseFirstError {
		if fe := firstError(results); fe != nil {
			return results, fe
		}
	}
	return results, nil
}

// Multi sends MULTI, runs block to collect queued commands (each
// queued command is sent immediately, server-side, returning +QUEUED;
// the Session discards those intermediate replies), then sends EXEC.
// Nested Multi is rejected client-side. If the Session was Watching,
// the transaction implicitly uses the same watched Connection — no
// separate action is needed since Session owns exactly one Connection.
// A nil EXEC reply (transaction aborted by a changed watched key)
// returns (nil, nil); a per-command error within the results is raised
// after every Future is resolved.
func (s *Session) Multi(block func(*Pipeline)) ([]resp.Value, error) {
	s.mu.Lock()
	if s.mode == InMulti {
		s.mu.Unlock()
		return nil, &rediserr.ArgumentError{Msg: "MULTI calls cannot be nested"}
	}
	s.mode = InMulti
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.mode = Normal
		s.mu.Unlock()
	}()

	if _, err := s.roundTrip([][]byte{[]byte("MULTI")}); err != nil {
		return nil, err
	}

	p := &Pipeline{}
	block(p)

	for _, cmd := range p.cmds {
		if _, err := s.roundTrip(cmd); err != nil {
			return nil, err
		}
	}

	v, err := s.roundTrip([][]byte{[]byte("EXEC")})
	if err != nil {
		return nil, err
	}
	if v.IsNil() {
		return nil, nil
	}

	resolveFutures(p.futures, v.Elems)
	if fe := firstError(v.Elems); fe != nil {
		return v.Elems, fe
	}
	return v.Elems, nil
}

// Watch sends WATCH for keys and transitions Normal->Watching. If
// block is non-nil it is run and UNWATCH is guaranteed on every exit
// path (block returning, panicking, or having itself run Multi to
// completion or Discard) before Watch returns.
func (s *Session) Watch(keys []string, block func() error) error {
	s.mu.Lock()
	if s.mode == InMulti {
		s.mu.Unlock()
		return &rediserr.ArgumentError{Msg: "WATCH is not allowed while a transaction is open"}
	}
	s.mode = Watching
	s.mu.Unlock()

	args := make([][]byte, 0, len(keys)+1)
	args = append(args, []byte("WATCH"))
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	if _, err := s.roundTrip(args); err != nil {
		s.mu.Lock()
		s.mode = Normal
		s.mu.Unlock()
		return err
	}

	if block == nil {
		return nil
	}
	defer s.Unwatch()
	return block()
}

// Unwatch sends UNWATCH and returns the Session to Normal mode.
func (s *Session) Unwatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.roundTrip([][]byte{[]byte("UNWATCH")})
	s.mode = Normal
	return err
}

// Discard sends DISCARD, abandoning a queued MULTI, and returns the
// Session to Normal mode.
func (s *Session) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.roundTrip([][]byte{[]byte("DISCARD")})
	s.mode = Normal
	return err
}

// SubscribeWithTimeout delegates to package pubsub's narrowly-scoped
// subscribe operation (no general dispatcher is offered; see package
// pubsub).
func (s *Session) SubscribeWithTimeout(deadline time.Time, channels ...string) ([]pubsub.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != Normal {
		return nil, &rediserr.ArgumentError{Msg: "subscribe is not allowed while a transaction is open"}
	}
	return pubsub.SubscribeWithTimeout(s.conn, deadline, channels...)
}
