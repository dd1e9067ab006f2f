package sentinel

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/bsbodden/goradix/rediserr"
	"github.com/bsbodden/goradix/redis"
	"github.com/bsbodden/goradix/resp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSentinels struct {
	handlers map[string]func(r *bufio.Reader, w net.Conn)
	stops    []func()
}

func newScriptedSentinels(t *testing.T) *scriptedSentinels {
	t.Helper()
	s := &scriptedSentinels{handlers: make(map[string]func(r *bufio.Reader, w net.Conn))}
	t.Cleanup(func() {
		for _, stop := range s.stops {
			stop()
		}
	})
	return s
}

func (s *scriptedSentinels) register(addr string, handle func(r *bufio.Reader, w net.Conn)) {
	s.handlers[addr] = handle
}

func (s *scriptedSentinels) dial(addr string) redis.DialFunc {
	return func(network, a string, timeout time.Duration) (redis.Transport, error) {
		handle, ok := s.handlers[addr]
		if !ok {
			return nil, &rediserr.ConnectionError{Err: errUnregistered(addr)}
		}
		client, server := net.Pipe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			handle(bufio.NewReader(server), server)
		}()
		s.stops = append(s.stops, func() {
			server.Close()
			client.Close()
			<-done
		})
		return client, nil
	}
}

type errUnregistered string

func (e errUnregistered) Error() string { return "no handler registered for " + string(e) }

func readCmd(t *testing.T, r *bufio.Reader) []string {
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

// writeNestedArray writes a top-level array of flat key/value arrays,
// the shape SENTINEL MASTERS/REPLICAS/SENTINELS reply with.
func writeNestedArray(w net.Conn, entries [][]string) {
	buf := []byte("*" + itoaTest(len(entries)) + "\r\n")
	for _, entry := range entries {
		buf = append(buf, []byte("*"+itoaTest(len(entry))+"\r\n")...)
		for _, field := range entry {
			buf = append(buf, []byte("$"+itoaTest(len(field))+"\r\n"+field+"\r\n")...)
		}
	}
	w.Write(buf)
}

func itoaTest(n int) string {
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

func TestDiscoverMasterFindsHealthyEntry(t *testing.T) {
	nodes := newScriptedSentinels(t)
	nodes.register("sentinel-a:26379", func(r *bufio.Reader, w net.Conn) {
		cmd := readCmd(t, r)
		assert.Equal(t, []string{"PING"}, cmd)
		writeSimple(w, "PONG")

		cmd = readCmd(t, r)
		assert.Equal(t, []string{"SENTINEL", "MASTERS"}, cmd)
		writeNestedArray(w, [][]string{
			{"name", "mymaster", "ip", "10.0.0.1", "port", "6379", "flags", "master", "num-other-sentinels", "2"},
		})
	})

	r := New(Config{
		Addrs:             []string{"sentinel-a:26379"},
		Service:           "mymaster",
		MinOtherSentinels: 1,
		Dial:              nodes.dial,
	})

	host, port, err := r.DiscoverMaster()
	require.Nil(t, err)
	assert.Equal(t, "10.0.0.1", host)
	assert.Equal(t, "6379", port)
	assert.Equal(t, "10.0.0.1:6379", r.LastMasterAddr())
}

func TestDiscoverMasterSkipsDownEntryAndFallsBackToNextSentinel(t *testing.T) {
	nodes := newScriptedSentinels(t)
	nodes.register("sentinel-a:26379", func(r *bufio.Reader, w net.Conn) {
		readCmd(t, r)
		writeSimple(w, "PONG")
		readCmd(t, r)
		writeNestedArray(w, [][]string{
			{"name", "mymaster", "ip", "10.0.0.1", "port", "6379", "flags", "master,s_down", "num-other-sentinels", "2"},
		})
	})
	nodes.register("sentinel-b:26379", func(r *bufio.Reader, w net.Conn) {
		readCmd(t, r)
		writeSimple(w, "PONG")
		readCmd(t, r)
		writeNestedArray(w, [][]string{
			{"name", "mymaster", "ip", "10.0.0.1", "port", "6379", "flags", "master", "num-other-sentinels", "2"},
		})
	})

	r := New(Config{
		Addrs:             []string{"sentinel-a:26379", "sentinel-b:26379"},
		Service:           "mymaster",
		MinOtherSentinels: 1,
		Dial:              nodes.dial,
	})

	host, port, err := r.DiscoverMaster()
	require.Nil(t, err)
	assert.Equal(t, "10.0.0.1", host)
	assert.Equal(t, "6379", port)
}

func TestDiscoverMasterFailsWhenNoSentinelHasHealthyMaster(t *testing.T) {
	r := New(Config{
		Addrs:   []string{"sentinel-a:26379"},
		Service: "mymaster",
		Dial:    newScriptedSentinels(t).dial,
	})
	_, _, err := r.DiscoverMaster()
	var notFound *rediserr.MasterNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDiscoverReplicasFiltersDownAndDisconnected(t *testing.T) {
	nodes := newScriptedSentinels(t)
	nodes.register("sentinel-a:26379", func(r *bufio.Reader, w net.Conn) {
		readCmd(t, r)
		writeSimple(w, "PONG")
		readCmd(t, r)
		writeNestedArray(w, [][]string{
			{"ip", "10.0.0.2", "port", "6380", "flags", "slave"},
			{"ip", "10.0.0.3", "port", "6381", "flags", "slave,s_down"},
			{"ip", "10.0.0.4", "port", "6382", "flags", "disconnected"},
		})
	})

	r := New(Config{
		Addrs:   []string{"sentinel-a:26379"},
		Service: "mymaster",
		Dial:    nodes.dial,
	})

	replicas, err := r.DiscoverReplicas()
	require.Nil(t, err)
	require.Len(t, replicas, 1)
	assert.Equal(t, "10.0.0.2", replicas[0].Host)
}

func TestVerifyRoleMismatchTriggersFailoverAndReset(t *testing.T) {
	conn, stop := scriptedNode(t, func(r *bufio.Reader, w net.Conn) {
		readCmd(t, r)
		// ROLE replies with a flat array whose first element is the role.
		w.Write([]byte("*1\r\n$5\r\nslave\r\n"))
	})
	defer stop()

	r := New(Config{Addrs: []string{"sentinel-a:26379"}, Service: "mymaster"})
	r.lastMasterAddr = "10.0.0.1:6379"

	err := r.VerifyRole(conn, true)
	var failover *rediserr.FailoverError
	require.ErrorAs(t, err, &failover)
	assert.Equal(t, "master", failover.Wanted)
	assert.Equal(t, "slave", failover.Got)
	assert.Equal(t, "", r.LastMasterAddr())
}

func scriptedNode(t *testing.T, handle func(r *bufio.Reader, w net.Conn)) (*redis.Conn, func()) {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		handle(bufio.NewReader(server), server)
	}()
	conn := redis.New(redis.Config{
		Network: "tcp",
		Addr:    "stub",
		Dial: func(network, addr string, timeout time.Duration) (redis.Transport, error) {
			return client, nil
		},
	})
	return conn, func() {
		server.Close()
		client.Close()
		<-done
	}
}
