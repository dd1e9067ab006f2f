// Package redis implements the connection layer: a fork-safe,
// timeout-aware duplex channel over one socket, with RESP encoding/
// decoding and a prelude run on each (re)connect.
package redis

import (
	"crypto/tls"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bsbodden/goradix/rediserr"
	"github.com/bsbodden/goradix/resp"
)

// State is one of Fresh, Open, Broken, Closed (§3).
type State int

const (
	Fresh State = iota
	Open
	Broken
	Closed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Open:
		return "open"
	case Broken:
		return "broken"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const defaultBufSize = 8 * 1024

// Config binds a Conn to a destination and credentials. Network is
// "tcp" or "unix"; Addr is host:port or a filesystem path
// respectively.
type Config struct {
	Network string
	Addr    string

	TLSConfig *tls.Config

	Username string
	Password string
	DB       int

	// Timeout is the default for connect, read, and write when the
	// caller does not supply an explicit deadline.
	Timeout time.Duration

	// Dial overrides transport establishment; nil uses a plain TCP/
	// Unix dialer (or TLS, if TLSConfig is set).
	Dial DialFunc
}

func (c Config) dial() DialFunc {
	if c.Dial != nil {
		return c.Dial
	}
	if c.TLSConfig != nil {
		return dialTLS(c.TLSConfig)
	}
	return dialTCPOrUnix
}

// Conn owns one socket to a Redis node. The mutex below guards the
// state-transition bookkeeping that fork detection and Close need, and
// each I/O method (CallDeadline, Pipeline, WriteCommand, ReadValue)
// also holds it for the whole write and/or read it performs. A
// WriteCommand followed by ReadValue is not atomic, so multi-step use
// is serialized by the owning Session (per §5).
type Conn struct {
	cfg Config

	mu      sync.Mutex
	state   State
	pid     int // owning process id recorded at open time; 0 means unset
	io      *bufferedIO
	pidFunc func() int // overridable in tests to simulate fork
}

// New constructs a Conn in the Fresh state. No I/O occurs until the
// first call that goes through ensureConnected.
func New(cfg Config) *Conn {
	return &Conn{cfg: cfg, state: Fresh, pidFunc: os.Getpid}
}

// State reports the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ensureConnected is the gate on every user-visible I/O (§4.3). Check
// order: (i) process identity, (ii) missing/closed socket, (iii) open.
func (c *Conn) ensureConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pid != 0 && c.pid != c.pidFunc() {
		// Forked: the socket reference is abandoned, not closed — the
		// parent process still owns the only valid descriptor.
		c.io = nil
		c.state = Fresh
		c.pid = 0
	}

	if c.io == nil || c.state == Closed {
		c.state = Fresh
	}

	if c.state == Fresh {
		if err := c.openLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) openLocked() error {
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	t, err := c.cfg.dial()(c.cfg.Network, c.cfg.Addr, timeout)
	if err != nil {
		return &rediserr.ConnectionError{Err: err}
	}
	c.io = newBufferedIO(t, defaultBufSize)
	c.pid = c.pidFunc()
	c.state = Open

	if err := c.runPreludeLocked(timeout); err != nil {
		c.io.t.Close()
		c.io = nil
		c.state = Broken
		return err
	}
	return nil
}

// runPreludeLocked replays AUTH/SELECT on a freshly opened socket.
// Called with c.mu held, both on first connect and after fork
// detection reconnects the socket.
func (c *Conn) runPreludeLocked(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	if c.cfg.Password != "" {
		var args [][]byte
		if c.cfg.Username != "" {
			args = [][]byte{[]byte("AUTH"), []byte(c.cfg.Username), []byte(c.cfg.Password)}
		} else {
			args = [][]byte{[]byte("AUTH"), []byte(c.cfg.Password)}
		}
		if _, err := c.callLocked(args, deadline); err != nil {
			return err
		}
	}

	if c.cfg.DB > 0 {
		args := [][]byte{[]byte("SELECT"), []byte(strconv.Itoa(c.cfg.DB))}
		if _, err := c.callLocked(args, deadline); err != nil {
			return err
		}
	}
	return nil
}

// Call sends one command and returns its reply, applying the
// connection's default timeout.
func (c *Conn) Call(args ...[]byte) (resp.Value, error) {
	return c.CallDeadline(time.Time{}, args...)
}

// CallDeadline sends one command and returns its reply, applying the
// given deadline. A zero deadline falls back to the connection's
// default timeout.
func (c *Conn) CallDeadline(deadline time.Time, args ...[]byte) (resp.Value, error) {
	if err := c.ensureConnected(); err != nil {
		return resp.Value{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline.IsZero() {
		deadline = c.defaultDeadlineLocked()
	}
	return c.callLocked(args, deadline)
}

func (c *Conn) defaultDeadlineLocked() time.Time {
	if c.cfg.Timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.cfg.Timeout)
}

// callLocked performs one write+read round trip. It must be called
// with c.mu held and c.io non-nil.
func (c *Conn) callLocked(args [][]byte, deadline time.Time) (resp.Value, error) {
	if err := resp.Encode(writerFor(c.io, deadline), args); err != nil {
		c.state = Broken
		return resp.Value{}, classifyIOError(err)
	}
	v, err := c.io.readFrame(deadline)
	if err != nil {
		c.state = Broken
		return resp.Value{}, err
	}
	return v, nil
}

// writerFor adapts bufferedIO.writeAll into an io.Writer Encode can
// target without an intermediate allocation; every Write passes the
// same deadline to writeAll, which re-applies it via SetWriteDeadline.
type deadlineWriter struct {
	b        *bufferedIO
	deadline time.Time
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	if err := w.b.writeAll(p, w.deadline); err != nil {
		return 0, err
	}
	return len(p), nil
}

func writerFor(b *bufferedIO, deadline time.Time) deadlineWriter {
	return deadlineWriter{b: b, deadline: deadline}
}

// Pipeline writes every command in commands as one buffered write,
// then reads exactly len(commands) frames in order. A command-level
// error reply does not stop decoding of the rest; only a transport or
// protocol failure aborts early, in which case the partial results
// collected so far are returned alongside the error.
func (c *Conn) Pipeline(commands [][][]byte) ([]resp.Value, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := c.defaultDeadlineLocked()
	bw := &byteBufWriter{}
	for _, cmd := range commands {
		if err := resp.Encode(bw, cmd); err != nil {
			return nil, err
		}
	}
	if err := c.io.writeAll(bw.buf, deadline); err != nil {
		c.state = Broken
		return nil, err
	}

	results := make([]resp.Value, 0, len(commands))
	for i := 0; i < len(commands); i++ {
		v, err := c.io.readFrame(deadline)
		if err != nil {
			c.state = Broken
			return results, err
		}
		results = append(results, v)
	}
	return results, nil
}

type byteBufWriter struct{ buf []byte }

func (b *byteBufWriter) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// WriteCommand sends one command frame without reading a reply,
// applying the connection's default timeout. Used by the subscribe
// state machine (package pubsub), which reads pushed messages out of
// band from ordinary request/reply pairing.
func (c *Conn) WriteCommand(args [][]byte) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := c.defaultDeadlineLocked()
	if err := c.io.writeAll(encodeToBuf(args), deadline); err != nil {
		c.state = Broken
		return err
	}
	return nil
}

func encodeToBuf(args [][]byte) []byte {
	bw := &byteBufWriter{}
	_ = resp.Encode(bw, args)
	return bw.buf
}

// ReadValue reads one frame before deadline, without sending a
// command. Used to drain subscribe/unsubscribe confirmations and
// pushed pub/sub messages.
func (c *Conn) ReadValue(deadline time.Time) (resp.Value, error) {
	if err := c.ensureConnected(); err != nil {
		return resp.Value{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.io.readFrame(deadline)
	if err != nil {
		c.state = Broken
	}
	return v, err
}

// Close tears the connection down explicitly (§3: any state → Closed).
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return nil
	}
	var err error
	if c.io != nil {
		err = c.io.t.Close()
		c.io = nil
	}
	c.state = Closed
	return err
}

// MarkBroken forces the connection into the Broken state, e.g. after
// a caller-observed timeout on a higher-level operation composed of
// several raw reads/writes (subscribe-with-timeout).
func (c *Conn) MarkBroken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Closed {
		c.state = Broken
	}
}

