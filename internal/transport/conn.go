// Package transport defines the message channel the transfer protocol runs on.
package transport

import (
	"context"
	"errors"

	"github.com/sheerbytes/shareio/pkg/protocol"
)

// ErrClosed is returned by Send after the connection has been closed, and
// by ReadLoop when either side closed it cleanly.
var ErrClosed = errors.New("connection closed")

// Conn is an ordered, reliable, bidirectional envelope channel.
// Envelopes passed to Send are delivered to the peer's ReadLoop callback in
// the order Send was called. Send is safe for concurrent use.
type Conn interface {
	// ID returns an identifier unique among live connections.
	ID() string

	// Send queues env for delivery.
	Send(env protocol.Envelope) error

	// ReadLoop calls onEnv for each received envelope, in order, from a
	// single goroutine. It returns when the connection is lost or ctx ends;
	// returning is the disconnect notification.
	ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error

	// Close closes the connection. The peer's ReadLoop returns.
	Close() error
}

// SendMessage encodes msg and sends it on conn.
func SendMessage(conn Conn, msg protocol.Message) error {
	env, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.Send(env)
}
