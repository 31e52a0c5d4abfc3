package quictransport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/shareio/internal/transport"
	"github.com/sheerbytes/shareio/pkg/protocol"
)

const (
	// DefaultMaxMessageBytes caps one newline-delimited envelope.
	DefaultMaxMessageBytes = 1 << 20

	writeWait      = 10 * time.Second
	closeFlushWait = 2 * time.Second
)

// ErrBadPreamble is returned when a stream does not open with a hello.
var ErrBadPreamble = errors.New("quic stream did not start with hello")

// Conn is a message channel over a single bidirectional QUIC stream
// carrying newline-delimited JSON envelopes. It satisfies transport.Conn.
type Conn struct {
	id     string
	peerID string
	qc     *quic.Conn
	stream *quic.Stream
	logger *slog.Logger

	writeMu sync.Mutex
	enc     *json.Encoder
	scanner *bufio.Scanner

	reading  atomic.Bool
	readDone chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Conn = (*Conn)(nil)

// Dial connects to a host and opens the channel stream. The dialer writes
// the hello preamble because the peer only sees a stream once data
// arrives on it.
func Dial(ctx context.Context, addr, peerID string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	qc, err := dialQUIC(ctx, addr, logger)
	if err != nil {
		return nil, err
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}

	c := newConn(qc, stream, DefaultMaxMessageBytes, logger)
	c.peerID = peerID
	hello, err := protocol.NewEnvelope(protocol.TypeHello, protocol.NewMsgID(), protocol.Hello{PeerID: peerID})
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Send(hello); err != nil {
		c.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return c, nil
}

// Handshake accepts the channel stream on an incoming connection and reads
// the hello preamble. maxMessageBytes of zero selects
// DefaultMaxMessageBytes.
func Handshake(ctx context.Context, qc *quic.Conn, maxMessageBytes int, logger *slog.Logger) (*Conn, error) {
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("accept stream: %w", err)
	}
	c := newConn(qc, stream, maxMessageBytes, logger)

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if !c.scanner.Scan() {
		err := c.scanner.Err()
		c.Close()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read hello: %w", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(c.scanner.Bytes(), &env); err != nil || env.Type != protocol.TypeHello {
		c.Close()
		return nil, ErrBadPreamble
	}
	var hello protocol.Hello
	if err := protocol.DecodePayload(env, &hello); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadPreamble, err)
	}
	c.peerID = hello.PeerID
	return c, nil
}

func newConn(qc *quic.Conn, stream *quic.Stream, maxMessageBytes int, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)
	return &Conn{
		id:       protocol.NewMsgID(),
		qc:       qc,
		stream:   stream,
		logger:   logger,
		enc:      json.NewEncoder(stream),
		scanner:  scanner,
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// PeerID returns the id announced in the hello preamble.
func (c *Conn) PeerID() string { return c.peerID }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.qc.RemoteAddr().String() }

// Send writes env as one line. Writes are serialized in call order. A
// failed write leaves the line stream unusable, so it drops the channel
// and both read loops return.
func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.writeMu.Lock()
	_ = c.stream.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.enc.Encode(env)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("quic write failed, dropping connection", "conn_id", c.id, "error", err)
		c.shutdown(false)
		return fmt.Errorf("quic write: %w", err)
	}
	return nil
}

// ReadLoop decodes envelopes until the stream ends or ctx is cancelled.
// A clean end of stream returns transport.ErrClosed.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	if !c.reading.CompareAndSwap(false, true) {
		return errors.New("quic read loop already running")
	}
	defer close(c.readDone)

	stop := context.AfterFunc(ctx, func() { c.stream.CancelRead(0) })
	defer stop()

	for c.scanner.Scan() {
		var env protocol.Envelope
		if err := json.Unmarshal(c.scanner.Bytes(), &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "conn_id", c.id, "error", err)
			continue
		}
		onEnv(env)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := c.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			c.logger.Warn("envelope exceeds limit, dropping connection", "conn_id", c.id)
			c.shutdown(false)
		}
		return err
	}
	return transport.ErrClosed
}

// Close ends the write side, gives an active read loop a moment to see the
// peer's end of stream, then closes the QUIC connection.
func (c *Conn) Close() error {
	return c.shutdown(true)
}

func (c *Conn) shutdown(flush bool) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		err = c.stream.Close()
		c.writeMu.Unlock()
		if flush && c.reading.Load() {
			select {
			case <-c.readDone:
			case <-time.After(closeFlushWait):
			}
		}
		_ = c.qc.CloseWithError(0, "closed")
	})
	return err
}
