package session

import (
	"bufio"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bsbodden/goradix/cache"
	"github.com/bsbodden/goradix/redis"
	"github.com/bsbodden/goradix/rediserr"
	"github.com/bsbodden/goradix/resp"
	"github.com/bsbodden/goradix/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scriptedConn(t *testing.T, handle func(r *bufio.Reader, w net.Conn)) *redis.Conn {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		handle(bufio.NewReader(server), server)
	}()
	t.Cleanup(func() {
		server.Close()
		client.Close()
		<-done
	})
	return redis.New(redis.Config{
		Network: "tcp",
		Addr:    "stub",
		Dial: func(network, addr string, timeout time.Duration) (redis.Transport, error) {
			return client, nil
		},
	})
}

func readCommand(t *testing.T, r *bufio.Reader) []string {
	t.Helper()
	v, err := resp.Decode(r)
	require.Nil(t, err)
	require.Equal(t, resp.Array, v.Type)
	out := make([]string, len(v.Elems))
	for i, e := range v.Elems {
		out[i] = string(e.Str)
	}
	return out
}

func writeSimple(w net.Conn, s string) {
	w.Write([]byte("+" + s + "\r\n"))
}

func writeBulk(w net.Conn, s string) {
	w.Write([]byte("$" + itoa(len(s)) + "\r\n" + s + "\r\n"))
}

// writeArray writes a RESP array of bulk strings, the same multibulk
// framing resp.Encode uses for commands; a reply array of plain bulk
// strings is shaped identically.
func writeArray(w net.Conn, elems ...string) {
	cmd := make([][]byte, len(elems))
	for i, e := range elems {
		cmd[i] = []byte(e)
	}
	_ = resp.Encode(w, cmd)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

type dialAttempt struct {
	err    error
	handle func(r *bufio.Reader, w net.Conn)
}

// sequencedDial serves one dialAttempt per Dial invocation, in order;
// used to script a connect failure followed by a successful retry.
func sequencedDial(t *testing.T, attempts []dialAttempt) redis.DialFunc {
	t.Helper()
	i := 0
	return func(network, addr string, timeout time.Duration) (redis.Transport, error) {
		a := attempts[i]
		i++
		if a.err != nil {
			return nil, a.err
		}
		client, server := net.Pipe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			a.handle(bufio.NewReader(server), server)
		}()
		t.Cleanup(func() {
			server.Close()
			client.Close()
			<-done
		})
		return client, nil
	}
}

func TestCallSendsCommandAndReturnsReply(t *testing.T) {
	conn := scriptedConn(t, func(r *bufio.Reader, w net.Conn) {
		cmd := readCommand(t, r)
		assert.Equal(t, []string{"GET", "foo"}, cmd)
		writeBulk(w, "bar")
	})
	sess := New(Config{Conn: conn})

	v, err := sess.Call([]byte("GET"), []byte("foo"))
	require.Nil(t, err)
	assert.Equal(t, "bar", string(v.Str))
}

func TestCallDoesNotRetryNonIdempotentFailureAfterConnectionOpen(t *testing.T) {
	conn := scriptedConn(t, func(r *bufio.Reader, w net.Conn) {
		cmd := readCommand(t, r)
		assert.Equal(t, []string{"PING"}, cmd)
		writeSimple(w, "PONG")
		w.Close()
	})
	sess := New(Config{
		Conn:  conn,
		Retry: retry.Policy{MaxRetries: 5, Backoff: retry.Constant{Delay: 200 * time.Millisecond}},
	})

	_, err := sess.Call([]byte("PING"))
	require.Nil(t, err)

	start := time.Now()
	_, err = sess.Call([]byte("SET"), []byte("foo"), []byte("bar"))
	elapsed := time.Since(start)
	require.NotNil(t, err)
	assert.Less(t, elapsed, 100*time.Millisecond)
}

func TestCallIdempotentRetriesAfterConnectionOpen(t *testing.T) {
	conn := scriptedConn(t, func(r *bufio.Reader, w net.Conn) {
		cmd := readCommand(t, r)
		assert.Equal(t, []string{"PING"}, cmd)
		writeSimple(w, "PONG")
		w.Close()
	})
	sess := New(Config{
		Conn:  conn,
		Retry: retry.Policy{MaxRetries: 2, Backoff: retry.Zero{}},
	})
	_, err := sess.Call([]byte("PING"))
	require.Nil(t, err)

	// The connection reconnects via the Dial already wired into conn
	// (scriptedConn's dial always returns the same closed client), so
	// the retried attempt observes the closed pipe again and the retry
	// budget is exhausted; what matters here is that CallIdempotent
	// actually loops rather than failing fast like the non-idempotent
	// path above.
	retries := 0
	sess.policy.OnRetry = func(err error, attempt int) { retries++ }
	_, err = sess.CallIdempotent([]byte("GET"), []byte("foo"))
	require.NotNil(t, err)
	assert.Greater(t, retries, 0)
}

func TestCallRetriesConnectFailureBeforeFirstSend(t *testing.T) {
	dial := sequencedDial(t, []dialAttempt{
		{err: errors.New("connection refused")},
		{handle: func(r *bufio.Reader, w net.Conn) {
			cmd := readCommand(t, r)
			assert.Equal(t, []string{"PING"}, cmd)
			writeSimple(w, "PONG")
		}},
	})
	conn := redis.New(redis.Config{Network: "tcp", Addr: "stub", Dial: dial})
	sess := New(Config{
		Conn:  conn,
		Retry: retry.Policy{MaxRetries: 1, Backoff: retry.Zero{}},
	})

	v, err := sess.Call([]byte("PING"))
	require.Nil(t, err)
	assert.Equal(t, "PONG", string(v.Str))
}

func TestCallCachedServesFromCacheOnSecondCall(t *testing.T) {
	conn := scriptedConn(t, func(r *bufio.Reader, w net.Conn) {
		cmd := readCommand(t, r)
		assert.Equal(t, []string{"GET", "foo"}, cmd)
		writeBulk(w, "bar")
	})
	c := cache.New(cache.Config{MaxEntries: 10, Mode: cache.Default})
	c.MarkEnabled()
	sess := New(Config{Conn: conn, Cache: c})

	v1, err := sess.CallCached("foo", cache.Directive{}, []byte("GET"), []byte("foo"))
	require.Nil(t, err)
	assert.Equal(t, "bar", string(v1.Str))

	v2, err := sess.CallCached("foo", cache.Directive{}, []byte("GET"), []byte("foo"))
	require.Nil(t, err)
	assert.Equal(t, "bar", string(v2.Str))
	assert.Equal(t, 1, c.Size())
}

func TestCallCachedOptInWithoutDirectiveDoesNotStore(t *testing.T) {
	calls := 0
	conn := scriptedConn(t, func(r *bufio.Reader, w net.Conn) {
		for i := 0; i < 2; i++ {
			cmd := readCommand(t, r)
			assert.Equal(t, []string{"GET", "foo"}, cmd)
			writeBulk(w, "bar")
			calls++
		}
	})
	c := cache.New(cache.Config{MaxEntries: 10, Mode: cache.OptIn})
	c.MarkEnabled()
	sess := New(Config{Conn: conn, Cache: c})

	_, err := sess.CallCached("foo", cache.Directive{}, []byte("GET"), []byte("foo"))
	require.Nil(t, err)
	_, err = sess.CallCached("foo", cache.Directive{}, []byte("GET"), []byte("foo"))
	require.Nil(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, c.Size())
}

func TestCallCachedOptInStoresWhenDirectiveSet(t *testing.T) {
	conn := scriptedConn(t, func(r *bufio.Reader, w net.Conn) {
		cmd := readCommand(t, r)
		assert.Equal(t, []string{"CLIENT", "CACHING", "YES"}, cmd)
		writeSimple(w, "OK")

		cmd = readCommand(t, r)
		assert.Equal(t, []string{"GET", "foo"}, cmd)
		writeBulk(w, "bar")
	})
	c := cache.New(cache.Config{MaxEntries: 10, Mode: cache.OptIn})
	c.MarkEnabled()
	sess := New(Config{Conn: conn, Cache: c})

	v, err := sess.CallCached("foo", cache.Directive{Set: true, Value: true}, []byte("GET"), []byte("foo"))
	require.Nil(t, err)
	assert.Equal(t, "bar", string(v.Str))
	assert.Equal(t, 1, c.Size())
}

func TestMultiReturnsQueuedResults(t *testing.T) {
	conn := scriptedConn(t, func(r *bufio.Reader, w net.Conn) {
		cmd := readCommand(t, r)
		assert.Equal(t, []string{"MULTI"}, cmd)
		writeSimple(w, "OK")

		cmd = readCommand(t, r)
		assert.Equal(t, []string{"SET", "foo", "bar"}, cmd)
		writeSimple(w, "QUEUED")

		cmd = readCommand(t, r)
		assert.Equal(t, []string{"GET", "foo"}, cmd)
		writeSimple(w, "QUEUED")

		cmd = readCommand(t, r)
		assert.Equal(t, []string{"EXEC"}, cmd)
		writeArray(w, "OK", "bar")
	})
	sess := New(Config{Conn: conn})

	var getFuture *Future
	results, err := sess.Multi(func(p *Pipeline) {
		p.Queue([]byte("SET"), []byte("foo"), []byte("bar"))
		getFuture = p.Queue([]byte("GET"), []byte("foo"))
	})
	require.Nil(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "bar", string(results[1].Str))

	v, err := getFuture.Value()
	require.Nil(t, err)
	assert.Equal(t, "bar", string(v.Str))
	assert.Equal(t, Normal, sess.Mode())
}

func TestMultiAbortedByWatchReturnsNil(t *testing.T) {
	conn := scriptedConn(t, func(r *bufio.Reader, w net.Conn) {
		cmd := readCommand(t, r)
		assert.Equal(t, []string{"MULTI"}, cmd)
		writeSimple(w, "OK")

		cmd = readCommand(t, r)
		assert.Equal(t, []string{"GET", "foo"}, cmd)
		writeSimple(w, "QUEUED")

		cmd = readCommand(t, r)
		assert.Equal(t, []string{"EXEC"}, cmd)
		w.Write([]byte("*-1\r\n"))
	})
	sess := New(Config{Conn: conn})

	results, err := sess.Multi(func(p *Pipeline) {
		p.Queue([]byte("GET"), []byte("foo"))
	})
	require.Nil(t, err)
	assert.Nil(t, results)
}

func TestNestedMultiRejected(t *testing.T) {
	conn := scriptedConn(t, func(r *bufio.Reader, w net.Conn) {
		cmd := readCommand(t, r)
		assert.Equal(t, []string{"MULTI"}, cmd)
		writeSimple(w, "OK")

		cmd = readCommand(t, r)
		assert.Equal(t, []string{"EXEC"}, cmd)
		w.Write([]byte("*0\r\n"))
	})
	sess := New(Config{Conn: conn})

	var nestedErr error
	_, err := sess.Multi(func(p *Pipeline) {
		_, nestedErr = sess.Multi(func(p2 *Pipeline) {})
	})
	require.Nil(t, err)
	require.NotNil(t, nestedErr)
	var argErr *rediserr.ArgumentError
	assert.ErrorAs(t, nestedErr, &argErr)
}

func TestPipelinedRaisesFirstErrorByDefault(t *testing.T) {
	conn := scriptedConn(t, func(r *bufio.Reader, w net.Conn) {
		cmd := readCommand(t, r)
		assert.Equal(t, []string{"GET", "foo"}, cmd)
		cmd2 := readCommand(t, r)
		assert.Equal(t, []string{"INCR", "foo"}, cmd2)
		_ = cmd
		writeBulk(w, "bar")
		w.Write([]byte("-ERR value is not an integer or out of range\r\n"))
	})
	sess := New(Config{Conn: conn})

	_, err := sess.Pipelined(func(p *Pipeline) {
		p.Queue([]byte("GET"), []byte("foo"))
		p.Queue([]byte("INCR"), []byte("foo"))
	})
	require.NotNil(t, err)
	var cmdErr *rediserr.CommandError
	require.ErrorAs(t, err, &cmdErr)
}

func TestPipelinedTolerantReturnsErrorsAsValues(t *testing.T) {
	conn := scriptedConn(t, func(r *bufio.Reader, w net.Conn) {
		readCommand(t, r)
		readCommand(t, r)
		writeBulk(w, "bar")
		w.Write([]byte("-ERR value is not an integer or out of range\r\n"))
	})
	sess := New(Config{Conn: conn})

	var f1, f2 *Future
	results, err := sess.PipelinedTolerant(func(p *Pipeline) {
		f1 = p.Queue([]byte("GET"), []byte("foo"))
		f2 = p.Queue([]byte("INCR"), []byte("foo"))
	})
	require.Nil(t, err)
	require.Len(t, results, 2)

	v1, err1 := f1.Value()
	require.Nil(t, err1)
	assert.Equal(t, "bar", string(v1.Str))

	_, err2 := f2.Value()
	require.NotNil(t, err2)
}

func TestWatchRunsBlockAndAlwaysUnwatches(t *testing.T) {
	conn := scriptedConn(t, func(r *bufio.Reader, w net.Conn) {
		cmd := readCommand(t, r)
		assert.Equal(t, []string{"WATCH", "foo"}, cmd)
		writeSimple(w, "OK")

		cmd = readCommand(t, r)
		assert.Equal(t, []string{"GET", "foo"}, cmd)
		writeBulk(w, "bar")

		cmd = readCommand(t, r)
		assert.Equal(t, []string{"UNWATCH"}, cmd)
		writeSimple(w, "OK")
	})
	sess := New(Config{Conn: conn})

	ran := false
	err := sess.Watch([]string{"foo"}, func() error {
		ran = true
		_, err := sess.Call([]byte("GET"), []byte("foo"))
		return err
	})
	require.Nil(t, err)
	assert.True(t, ran)
	assert.Equal(t, Normal, sess.Mode())
}
