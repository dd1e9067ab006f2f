// Package pubsub implements the one pub/sub surface spec.md scopes in:
// subscribe-with-timeout, specified only enough to guarantee the
// connection is correctly torn down and safe to return to a pool
// afterward. It is not a publish/subscribe dispatcher.
package pubsub

import (
	"time"

	"github.com/bsbodden/goradix/rediserr"
	"github.com/bsbodden/goradix/redis"
	"github.com/bsbodden/goradix/resp"
)

// ReplyType classifies a parsed subscription-mode reply.
type ReplyType int

const (
	SubscribeAck ReplyType = iota
	UnsubscribeAck
	Message
)

// Reply is one parsed frame read while in Subscribing/Subscribed/
// Unsubscribing state.
type Reply struct {
	Type     ReplyType
	Channel  string
	SubCount int
	Payload  string
}

// unsubscribeDrainFloor is the strictly-positive minimum read budget
// granted to drain the server's UNSUBSCRIBE confirmation even after
// the caller's deadline has already elapsed (§4.2 special rule).
const unsubscribeDrainFloor = 50 * time.Millisecond

// SubscribeWithTimeout sends SUBSCRIBE for channels, collects messages
// until deadline, then sends UNSUBSCRIBE and drains its confirmation
// with a strictly-positive read budget regardless of how deadline
// compares to now; the subscribe acknowledgements are read with at
// least that budget too. When the deadline ends the receive loop, the
// Conn is left in the Broken state (ReadValue marks it so on the
// timeout) even after the UNSUBSCRIBE confirmation has been drained,
// so a pool discards it on Put rather than reusing it.
func SubscribeWithTimeout(conn *redis.Conn, deadline time.Time, channels ...string) ([]Reply, error) {
	args := make([][]byte, 0, len(channels)+1)
	args = append(args, []byte("SUBSCRIBE"))
	for _, ch := range channels {
		args = append(args, []byte(ch))
	}
	if err := conn.WriteCommand(args); err != nil {
		return nil, err
	}

	ackDeadline := deadline
	if floor := time.Now().Add(unsubscribeDrainFloor); !deadline.IsZero() && deadline.Before(floor) {
		ackDeadline = floor
	}

	var messages []Reply
	for range channels {
		v, err := conn.ReadValue(ackDeadline)
		if err != nil {
			return messages, err
		}
		r, err := parseReply(v)
		if err != nil {
			return messages, err
		}
		if r.Type != SubscribeAck {
			return messages, &rediserr.ProtocolError{Msg: "expected subscribe acknowledgement"}
		}
	}

	for {
		v, err := conn.ReadValue(deadline)
		if err != nil {
			if rediserr.IsRetriable(err) {
				return messages, unsubscribeAndDrain(conn, channels, messages, err)
			}
			return messages, err
		}
		r, err := parseReply(v)
		if err != nil {
			return messages, err
		}
		messages = append(messages, r)
	}
}

// unsubscribeAndDrain sends UNSUBSCRIBE after the caller's deadline has
// already fired and reads its confirmations with a fresh, strictly
// positive budget so none is left unread on the socket, then returns
// origErr (typically the TimeoutError that ended the receive loop).
// The Conn keeps the Broken state the failed read gave it; a failed
// write or drain read here also marks it Broken.
func unsubscribeAndDrain(conn *redis.Conn, channels []string, messages []Reply, origErr error) error {
	args := make([][]byte, 0, len(channels)+1)
	args = append(args, []byte("UNSUBSCRIBE"))
	for _, ch := range channels {
		args = append(args, []byte(ch))
	}
	drainDeadline := time.Now().Add(unsubscribeDrainFloor)
	if err := conn.WriteCommand(args); err != nil {
		conn.MarkBroken()
		return origErr
	}
	for range channels {
		if _, err := conn.ReadValue(drainDeadline); err != nil {
			conn.MarkBroken()
			return origErr
		}
	}
	return origErr
}

func parseReply(v resp.Value) (Reply, error) {
	if v.Type != resp.Array && v.Type != resp.Push {
		return Reply{}, &rediserr.ProtocolError{Msg: "subscription reply is not an array"}
	}
	if len(v.Elems) < 3 {
		return Reply{}, &rediserr.ProtocolError{Msg: "subscription reply has fewer than 3 elements"}
	}
	kind := string(v.Elems[0].Str)
	channel := string(v.Elems[1].Str)
	switch kind {
	case "subscribe":
		return Reply{Type: SubscribeAck, Channel: channel, SubCount: int(v.Elems[2].Int)}, nil
	case "unsubscribe":
		return Reply{Type: UnsubscribeAck, Channel: channel, SubCount: int(v.Elems[2].Int)}, nil
	case "message":
		return Reply{Type: Message, Channel: channel, Payload: string(v.Elems[2].Str)}, nil
	default:
		return Reply{}, &rediserr.ProtocolError{Msg: "unrecognized subscription reply type: " + kind}
	}
}
