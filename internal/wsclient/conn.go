package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/shareio/internal/transport"
	"github.com/sheerbytes/shareio/pkg/protocol"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	// closeFlushWait bounds how long Close waits for queued envelopes.
	closeFlushWait = 2 * time.Second
	outboxSize     = 256
)

// Conn is a WebSocket message channel. Every frame is written by a single
// writer goroutine.
type Conn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger
	outbox chan protocol.Envelope
	quit   chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

var _ transport.Conn = (*Conn)(nil)

var (
	dialer   = websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
)

// URL converts a host base URL (http or https) to its WebSocket endpoint.
func URL(hostURL string) (string, error) {
	u, err := url.Parse(hostURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("host url %q has no host", hostURL)
	}

	scheme := strings.Replace(u.Scheme, "http", "ws", 1)
	if scheme == "ws" && u.Scheme == "https" {
		scheme = "wss"
	}
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	wsURL := url.URL{
		Scheme: scheme,
		Host:   u.Host,
		Path:   "/ws",
	}
	return wsURL.String(), nil
}

// Dial connects to wsURL, the full endpoint returned by URL.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, upgradeError(resp, err)
	}
	return newConn(ws, logger), nil
}

// upgradeError reports the host's refusal body when there is one.
func upgradeError(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return fmt.Errorf("websocket upgrade refused (%d): %s", resp.StatusCode, msg)
	}
	return fmt.Errorf("websocket upgrade refused (%d)", resp.StatusCode)
}

// Accept upgrades an incoming HTTP request. maxMessageBytes caps a single
// inbound envelope; zero leaves gorilla's default.
func Accept(w http.ResponseWriter, r *http.Request, maxMessageBytes int64, logger *slog.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if maxMessageBytes > 0 {
		ws.SetReadLimit(maxMessageBytes)
	}
	return newConn(ws, logger), nil
}

func newConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		id:     protocol.NewMsgID(),
		ws:     ws,
		outbox: make(chan protocol.Envelope, outboxSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.logger = logger.With("conn_id", c.id)

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writeLoop()
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// ReadLoop delivers each inbound envelope to onEnv in arrival order until
// the connection fails or ctx ends. A clean close by either side returns
// transport.ErrClosed.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// unblocks NextReader
			_ = c.ws.Close()
		case <-stop:
		}
	}()

	for {
		kind, r, err := c.ws.NextReader()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return c.readError(err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var env protocol.Envelope
		if err := json.NewDecoder(r).Decode(&env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		onEnv(env)
	}
}

func (c *Conn) readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return transport.ErrClosed
	}
	select {
	case <-c.quit:
		return transport.ErrClosed
	default:
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure) {
		c.logger.Error("websocket read error", "error", err)
	}
	return err
}

// Send queues an envelope for the writer goroutine.
func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case <-c.quit:
		return transport.ErrClosed
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	select {
	case c.outbox <- env:
		return nil
	case <-c.quit:
		return transport.ErrClosed
	case <-c.done:
		return transport.ErrClosed
	}
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		var err error
		select {
		case env := <-c.outbox:
			err = c.writeEnvelope(env)
		case <-ping.C:
			err = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		case <-c.quit:
			c.drainOutbox()
			return
		}
		if err != nil {
			// unblocks ReadLoop so the connection counts as lost
			c.logger.Warn("websocket write failed, dropping connection", "error", err)
			_ = c.ws.Close()
			return
		}
	}
}

// drainOutbox writes whatever is still queued, then a close frame.
func (c *Conn) drainOutbox() {
	for {
		select {
		case env := <-c.outbox:
			if err := c.writeEnvelope(env); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Conn) writeEnvelope(env protocol.Envelope) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

// Close flushes queued envelopes, sends a close frame and closes the
// socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		select {
		case <-c.done:
		case <-time.After(closeFlushWait):
		}
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
