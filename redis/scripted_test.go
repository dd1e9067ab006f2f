package redis

import (
	"bufio"
	"net"
	"testing"
)

// scriptedServer accepts exactly one connection over net.Pipe and runs
// handle against the server side, letting tests assert on the exact
// bytes written by Conn and script exact replies back, without a live
// Redis server (per the "inject the transport" design note).
func scriptedServer(t *testing.T, handle func(r *bufio.Reader, w net.Conn)) (Transport, func()) {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		handle(bufio.NewReader(server), server)
	}()
	return client, func() {
		server.Close()
		client.Close()
		<-done
	}
}
