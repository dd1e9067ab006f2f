package redis

import (
	"crypto/tls"
	"net"
	"time"
)

// Transport is the minimal surface Conn needs from a stream. net.Conn
// satisfies it directly; tests inject a scripted transport instead of
// monkey-patching net.Dial, per the "inject the transport behind an
// interface" design note.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// DialFunc establishes a Transport within timeout. The default is
// dialTCPOrUnix; tests substitute their own to avoid a live server.
type DialFunc func(network, addr string, timeout time.Duration) (Transport, error)

func dialTCPOrUnix(network, addr string, timeout time.Duration) (Transport, error) {
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Disable Nagle's algorithm: commands are latency-sensitive and
		// already batched explicitly by Pipeline when that's wanted.
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
	}
	return conn, nil
}

func dialTLS(tlsConfig *tls.Config) DialFunc {
	return func(network, addr string, timeout time.Duration) (Transport, error) {
		plain, err := net.DialTimeout(network, addr, timeout)
		if err != nil {
			return nil, err
		}
		if tcp, ok := plain.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
			_ = tcp.SetKeepAlive(true)
		}
		conn := tls.Client(plain, tlsConfig)
		if err := conn.Handshake(); err != nil {
			plain.Close()
			return nil, err
		}
		return conn, nil
	}
}
