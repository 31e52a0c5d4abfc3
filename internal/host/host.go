// Package host runs the receiving side: it accepts channels, gates them
// through the shared-secret handshake and writes incoming files into the
// shared folder.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sheerbytes/shareio/internal/auth"
	"github.com/sheerbytes/shareio/internal/quictransport"
	"github.com/sheerbytes/shareio/internal/transfer"
	"github.com/sheerbytes/shareio/internal/transport"
	"github.com/sheerbytes/shareio/internal/wsclient"
	"github.com/sheerbytes/shareio/pkg/protocol"
)

var (
	// ErrRejected is returned by ServeConn when the gate closed the connection.
	ErrRejected = errors.New("connection rejected by authentication gate")
	// ErrClosed is returned when serving after Shutdown.
	ErrClosed = errors.New("host closed")
)

// Config configures a Host.
type Config struct {
	// Folder is where received files are written. Ignored when FS is set.
	Folder string
	FS     transfer.FS

	Gate            auth.Gate
	Grace           time.Duration
	MaxMessageBytes int
	MaxConns        int
	ConnectsPerMin  float64
	ConnectsBurst   int

	Observer transfer.Observer
	Logger   *slog.Logger
}

// Host accepts sender connections.
type Host struct {
	cfg    Config
	fs     transfer.FS
	obs    transfer.Observer
	logger *slog.Logger
	reaper *transfer.Reaper
	limits *admission

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	live map[string]transport.Conn
	srv  *http.Server
}

// New returns a host ready to serve.
func New(cfg Config) *Host {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.FS
	if store == nil {
		store = transfer.DirFS{Root: cfg.Folder}
	}
	obs := cfg.Observer
	if obs == nil {
		obs = transfer.LogObserver{Logger: logger}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		cfg:    cfg,
		fs:     store,
		obs:    obs,
		logger: logger,
		reaper: transfer.NewReaper(cfg.Grace, logger),
		limits: newAdmission(cfg.ConnectsPerMin, cfg.ConnectsBurst, cfg.MaxConns),
		ctx:    ctx,
		cancel: cancel,
		live:   make(map[string]transport.Conn),
	}
}

// Connections returns the number of connections being served.
func (h *Host) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Reaper exposes the disconnect reaper, mainly for inspection.
func (h *Host) Reaper() *transfer.Reaper {
	return h.reaper
}

func (h *Host) track(conn transport.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.live[conn.ID()] = conn
	h.wg.Add(1)
	return true
}

func (h *Host) untrack(conn transport.Conn) {
	h.mu.Lock()
	delete(h.live, conn.ID())
	h.mu.Unlock()
	h.wg.Done()
}

// ServeConn runs one connection until it is lost, rejected or the host
// shuts down. Transfers still live when the connection is lost are aborted
// after the grace window.
func (h *Host) ServeConn(ctx context.Context, conn transport.Conn) error {
	if !h.track(conn) {
		_ = conn.Close()
		return ErrClosed
	}
	defer h.untrack(conn)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	s := &session{
		host:   h,
		conn:   conn,
		logger: h.logger.With("conn_id", conn.ID()),
		hs:     h.cfg.Gate.Begin(),
		recv: transfer.NewReceiver(conn, transfer.ReceiverOptions{
			FS:       h.fs,
			Observer: h.obs,
			Logger:   h.logger,
		}),
	}
	return s.run(ctx)
}

type session struct {
	host   *Host
	conn   transport.Conn
	logger *slog.Logger
	hs     *auth.Handshake
	recv   *transfer.Receiver
}

func (s *session) run(ctx context.Context) error {
	s.logger.Info("connection opened", "auth_required", s.host.cfg.Gate.Required())

	inbox := make(chan protocol.Envelope, 64)
	readErr := make(chan error, 1)
	go func() {
		readErr <- s.conn.ReadLoop(ctx, func(env protocol.Envelope) {
			select {
			case inbox <- env:
			case <-ctx.Done():
			}
		})
	}()

	var timeout <-chan time.Time
	if s.apply(s.hs.Start()) {
		return s.reject(inbox, readErr)
	}
	if s.hs.State() == auth.StateAwaiting {
		timer := time.NewTimer(s.host.cfg.Gate.TimeoutOrDefault())
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case env := <-inbox:
			if s.handle(env) {
				return s.reject(inbox, readErr)
			}
		case <-timeout:
			timeout = nil
			if s.hs.State() == auth.StateAwaiting {
				s.logger.Warn("authentication timed out", "policy", string(s.host.cfg.Gate.Policy))
			}
			if s.apply(s.hs.Expire()) {
				return s.reject(inbox, readErr)
			}
		case err := <-readErr:
			// ReadLoop queued everything before returning
		drain:
			for {
				select {
				case env := <-inbox:
					if s.handle(env) {
						s.logger.Warn("connection rejected", "state", s.hs.State().String())
						_ = s.conn.Close()
						return ErrRejected
					}
				default:
					break drain
				}
			}
			s.lost()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				s.logger.Debug("read loop ended", "error", err)
			}
			return nil
		case <-ctx.Done():
			s.lost()
			<-readErr
			return ctx.Err()
		}
	}
}

// handle processes one envelope and reports whether the gate closed the
// connection.
func (s *session) handle(env protocol.Envelope) bool {
	msg, err := protocol.Decode(env)
	if err != nil {
		s.logger.Warn("dropping malformed envelope", "type", env.Type, "error", err)
		return false
	}
	if !s.hs.Open() {
		if m, ok := msg.(protocol.AuthResponse); ok {
			return s.apply(s.hs.Respond(m))
		}
		s.logger.Debug("dropping message before session is ready", "type", msg.Kind())
		return false
	}
	if _, ok := msg.(protocol.AuthResponse); ok {
		return false
	}
	s.recv.Handle(msg)
	return false
}

// apply sends the handshake's messages and reports whether it asked for
// the connection to close.
func (s *session) apply(act auth.Action) bool {
	for _, msg := range act.Send {
		if err := transport.SendMessage(s.conn, msg); err != nil {
			s.logger.Debug("handshake send failed", "type", msg.Kind(), "error", err)
		}
	}
	if act.Authenticated {
		s.logger.Info("connection authenticated")
	}
	return act.Close
}

func (s *session) reject(inbox <-chan protocol.Envelope, readErr <-chan error) error {
	s.logger.Warn("connection rejected", "state", s.hs.State().String())
	_ = s.conn.Close()
	for {
		select {
		case <-inbox:
		case <-readErr:
			return ErrRejected
		}
	}
}

func (s *session) lost() {
	_ = s.conn.Close()
	if n := s.recv.Active(); n > 0 {
		s.logger.Info("connection lost with live transfers", "count", n, "grace", s.host.reaper.Grace())
	} else {
		s.logger.Info("connection closed")
	}
	s.host.reaper.ReapReceiver(s.conn.ID(), s.recv)
}

// Handler returns the HTTP surface: /ws upgrades to a channel and /health
// reports liveness.
func (h *Host) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"ok":      true,
			"auth":    h.cfg.Gate.Required(),
			"version": protocol.ProtocolVersion,
		})
	})
	mux.HandleFunc("/ws", h.handleWebSocket)
	return mux
}

func (h *Host) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	release, err := h.limits.acquire(r.RemoteAddr)
	if err != nil {
		sendError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	defer release()

	conn, err := wsclient.Accept(w, r, int64(h.cfg.MaxMessageBytes), h.logger)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	if err := h.ServeConn(h.ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("connection ended", "conn_id", conn.ID(), "error", err)
	}
}

// ServeHTTP serves the websocket surface on ln until Shutdown. After
// Shutdown it closes ln and returns ErrClosed.
func (h *Host) ServeHTTP(ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	h.srv = srv
	h.mu.Unlock()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeQUIC accepts QUIC channels on ln until Shutdown.
func (h *Host) ServeQUIC(ln *quictransport.Listener) error {
	for {
		qc, err := ln.Accept(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return nil
			}
			return err
		}
		release, err := h.limits.acquire(qc.RemoteAddr().String())
		if err != nil {
			h.logger.Warn("refusing quic connection", "remote_addr", qc.RemoteAddr(), "error", err)
			_ = qc.CloseWithError(1, err.Error())
			continue
		}
		go func() {
			defer release()
			hsCtx, cancel := context.WithTimeout(h.ctx, h.cfg.Gate.TimeoutOrDefault())
			conn, err := quictransport.Handshake(hsCtx, qc, h.cfg.MaxMessageBytes, h.logger)
			cancel()
			if err != nil {
				h.logger.Warn("quic handshake failed", "remote_addr", qc.RemoteAddr(), "error", err)
				return
			}
			if err := h.ServeConn(h.ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
				h.logger.Debug("connection ended", "conn_id", conn.ID(), "error", err)
			}
		}()
	}
}

// Shutdown stops accepting, closes every live connection and runs pending
// cleanups at once, so partial files are gone when it returns.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	srv := h.srv
	h.cancel()
	h.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	h.reaper.Flush()
	return err
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
