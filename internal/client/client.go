// Package client runs the sending side of a channel: the handshake with a
// host and the sender state machine for every file pushed.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/shareio/internal/transfer"
	"github.com/sheerbytes/shareio/internal/transport"
	"github.com/sheerbytes/shareio/pkg/protocol"
)

var (
	// ErrPasswordRequired means the host challenged and no password is set.
	ErrPasswordRequired = errors.New("host requires a password")
	// ErrPasswordInvalid means the host refused the password.
	ErrPasswordInvalid = errors.New("host rejected the password")
	// ErrAuthTimeout means the host gave up waiting for the password.
	ErrAuthTimeout = errors.New("authentication timed out")
	// ErrSessionClosed means the channel ended before the session was ready.
	ErrSessionClosed = errors.New("connection closed before session was ready")
)

// Options configures a Client.
type Options struct {
	Password  string
	ChunkSize int
	Grace     time.Duration
	Source    transfer.Source
	Observer  transfer.Observer
	Logger    *slog.Logger
}

// Client is an authenticated sending session.
type Client struct {
	conn   transport.Conn
	sender *transfer.Sender
	reaper *transfer.Reaper
	logger *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Connect runs the handshake on conn and returns once the host reports the
// session ready. conn is closed when Connect fails.
func Connect(ctx context.Context, conn transport.Conn, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conn_id", conn.ID())

	loopCtx, cancel := context.WithCancel(context.Background())
	inbox := make(chan protocol.Envelope, 64)
	readErr := make(chan error, 1)
	go func() {
		readErr <- conn.ReadLoop(loopCtx, func(env protocol.Envelope) {
			select {
			case inbox <- env:
			case <-loopCtx.Done():
			}
		})
	}()

	fail := func(err error) (*Client, error) {
		cancel()
		_ = conn.Close()
		<-readErr
		return nil, err
	}

	// step decodes one handshake envelope; it reports true once the
	// session is ready.
	step := func(env protocol.Envelope) (bool, error) {
		msg, err := protocol.Decode(env)
		if err != nil {
			logger.Warn("dropping malformed envelope", "type", env.Type, "error", err)
			return false, nil
		}
		switch msg.(type) {
		case protocol.Challenge:
			if opts.Password == "" {
				return false, ErrPasswordRequired
			}
			if err := transport.SendMessage(conn, protocol.AuthResponse{Secret: opts.Password}); err != nil {
				// the read loop reports the closed channel
				logger.Debug("auth response send failed", "error", err)
			}
		case protocol.AuthInvalid:
			return false, ErrPasswordInvalid
		case protocol.AuthTimeout:
			return false, ErrAuthTimeout
		case protocol.SessionReady:
			return true, nil
		default:
			logger.Debug("ignoring message before session is ready", "type", msg.Kind())
		}
		return false, nil
	}

	for ready := false; !ready; {
		select {
		case env := <-inbox:
			ok, err := step(env)
			if err != nil {
				return fail(err)
			}
			ready = ok
		case err := <-readErr:
			// the peer may have replied right before closing
		drain:
			for {
				select {
				case env := <-inbox:
					if _, serr := step(env); serr != nil {
						cancel()
						_ = conn.Close()
						return nil, serr
					}
				default:
					break drain
				}
			}
			cancel()
			_ = conn.Close()
			if err != nil && !errors.Is(err, transport.ErrClosed) {
				return nil, fmt.Errorf("%w: %v", ErrSessionClosed, err)
			}
			return nil, ErrSessionClosed
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}

	c := &Client{
		conn: conn,
		sender: transfer.NewSender(conn, transfer.SenderOptions{
			Source:    opts.Source,
			ChunkSize: opts.ChunkSize,
			Observer:  opts.Observer,
			Logger:    opts.Logger,
		}),
		reaper: transfer.NewReaper(opts.Grace, opts.Logger),
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.serve(loopCtx, inbox, readErr)
	logger.Debug("session ready")
	return c, nil
}

func (c *Client) serve(ctx context.Context, inbox <-chan protocol.Envelope, readErr <-chan error) {
	defer close(c.done)

	handle := func(env protocol.Envelope) {
		msg, err := protocol.Decode(env)
		if err != nil {
			c.logger.Warn("dropping malformed envelope", "type", env.Type, "error", err)
			return
		}
		c.sender.Handle(msg)
	}

	for {
		select {
		case env := <-inbox:
			handle(env)
		case err := <-readErr:
		drain:
			for {
				select {
				case env := <-inbox:
					handle(env)
				default:
					break drain
				}
			}
			if err != nil && ctx.Err() == nil {
				c.logger.Debug("read loop ended", "error", err)
			}
			_ = c.conn.Close()
			c.reaper.ReapSender(c.conn.ID(), c.sender)
			return
		}
	}
}

// ID returns the underlying connection id.
func (c *Client) ID() string {
	return c.conn.ID()
}

// SendFile announces path to the host.
func (c *Client) SendFile(path string) (*transfer.Outgoing, error) {
	select {
	case <-c.done:
		return nil, fmt.Errorf("send %s: %w", path, transfer.ErrNotConnected)
	default:
	}
	return c.sender.SendFile(path)
}

// Abort cancels one outgoing transfer.
func (c *Client) Abort(id string) bool {
	return c.sender.Abort(id)
}

// Active returns the number of transfers still streaming or awaiting
// acknowledgement.
func (c *Client) Active() int {
	return c.sender.Active()
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SendAll sends every path concurrently over the session and waits for all
// outcomes. Paths that cannot be announced yield an errored outcome with
// the reason set.
func (c *Client) SendAll(ctx context.Context, paths []string) ([]transfer.Outcome, error) {
	outs := make([]*transfer.Outgoing, len(paths))
	results := make([]transfer.Outcome, len(paths))
	for i, path := range paths {
		out, err := c.SendFile(path)
		if err != nil {
			c.logger.Error("send failed", "file", path, "error", err)
			results[i] = transfer.Outcome{
				Info:   transfer.Info{FileName: path, Role: transfer.RoleSender, Status: transfer.StatusErrored},
				Reason: err.Error(),
			}
			continue
		}
		outs[i] = out
	}
	for i, out := range outs {
		if out == nil {
			continue
		}
		res, err := out.Wait(ctx)
		if err != nil {
			return results, err
		}
		results[i] = res
	}
	return results, nil
}

// Close aborts outstanding transfers, closes the channel and runs the
// sender-side cleanup at once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sender.AbortAll("client closed", true)
		err = c.conn.Close()
		<-c.done
		c.cancel()
		c.reaper.Flush()
		c.sender.Wait()
	})
	return err
}
