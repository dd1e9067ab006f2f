package redis

import (
	"bufio"
	"errors"
	"net"
	"time"

	"github.com/bsbodden/goradix/rediserr"
	"github.com/bsbodden/goradix/resp"
)

// bufferedIO wraps one Transport with deadline-aware write/read
// primitives. Writes flush immediately (the transport itself is
// unbuffered at the OS level); Pipeline coalesces multiple command
// frames into one writeAll call instead of one write per command.
type bufferedIO struct {
	t Transport
	r *bufio.Reader
}

func newBufferedIO(t Transport, bufSize int) *bufferedIO {
	return &bufferedIO{t: t, r: bufio.NewReaderSize(t, bufSize)}
}

// writeAll sends buf in full before deadline. A zero deadline means
// no write timeout is applied.
func (b *bufferedIO) writeAll(buf []byte, deadline time.Time) error {
	if err := b.t.SetWriteDeadline(deadline); err != nil {
		return &rediserr.ConnectionError{Err: err}
	}
	n := 0
	for n < len(buf) {
		m, err := b.t.Write(buf[n:])
		n += m
		if err != nil {
			return classifyIOError(err)
		}
	}
	return nil
}

// readFrame reads exactly one complete RESP frame before deadline. A
// zero deadline means no read timeout is applied; a deadline that has
// already elapsed yields a TimeoutError without reading.
func (b *bufferedIO) readFrame(deadline time.Time) (resp.Value, error) {
	if !deadline.IsZero() && !deadline.After(time.Now()) {
		return resp.Value{}, &rediserr.TimeoutError{Err: errors.New("deadline already elapsed")}
	}
	if err := b.t.SetReadDeadline(deadline); err != nil {
		return resp.Value{}, &rediserr.ConnectionError{Err: err}
	}
	v, err := resp.Decode(b.r)
	if err != nil {
		return resp.Value{}, classifyIOError(err)
	}
	return v, nil
}

// classifyIOError wraps a network error as TimeoutError when it
// represents deadline expiry, ConnectionError otherwise. Errors
// already typed by resp (ProtocolError, ConnectionError) pass through
// unchanged.
func classifyIOError(err error) error {
	var protoErr *rediserr.ProtocolError
	if errors.As(err, &protoErr) {
		return err
	}
	var connErr *rediserr.ConnectionError
	if errors.As(err, &connErr) {
		err = connErr.Err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &rediserr.TimeoutError{Err: err}
	}
	return &rediserr.ConnectionError{Err: err}
}
