package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sheerbytes/shareio/internal/auth"
	"github.com/sheerbytes/shareio/internal/client"
	"github.com/sheerbytes/shareio/internal/quictransport"
	"github.com/sheerbytes/shareio/internal/transfer"
	"github.com/sheerbytes/shareio/internal/transport"
	"github.com/sheerbytes/shareio/internal/wsclient"
	"github.com/sheerbytes/shareio/pkg/protocol"
)

// peer is a raw client end that records everything the host sends.
type peer struct {
	conn transport.Conn
	msgs chan protocol.Message
}

func startPeer(t *testing.T, conn transport.Conn) *peer {
	t.Helper()
	p := &peer{conn: conn, msgs: make(chan protocol.Message, 64)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(p.msgs)
		_ = conn.ReadLoop(ctx, func(env protocol.Envelope) {
			msg, err := protocol.Decode(env)
			if err != nil {
				t.Errorf("Decode() error = %v", err)
				return
			}
			p.msgs <- msg
		})
	}()
	t.Cleanup(func() {
		cancel()
		_ = conn.Close()
		<-done
	})
	return p
}

func (p *peer) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	if err := transport.SendMessage(p.conn, msg); err != nil {
		t.Fatalf("SendMessage(%s) error = %v", msg.Kind(), err)
	}
}

func (p *peer) expect(t *testing.T, kind string) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-p.msgs:
		if !ok {
			t.Fatalf("connection closed, want %s", kind)
		}
		if msg.Kind() != kind {
			t.Fatalf("got %s, want %s", msg.Kind(), kind)
		}
		return msg
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", kind)
	}
	return nil
}

func (p *peer) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case msg, ok := <-p.msgs:
		if ok {
			t.Fatalf("got %s, want closed connection", msg.Kind())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("connection still open")
	}
}

func serve(h *Host, conn transport.Conn) <-chan error {
	res := make(chan error, 1)
	go func() { res <- h.ServeConn(context.Background(), conn) }()
	return res
}

func waitResult(t *testing.T, res <-chan error) error {
	t.Helper()
	select {
	case err := <-res:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("ServeConn did not return")
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newHost(t *testing.T, cfg Config) *Host {
	t.Helper()
	if cfg.Folder == "" {
		cfg.Folder = t.TempDir()
	}
	h := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	des, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var names []string
	for _, de := range des {
		names = append(names, de.Name())
	}
	return names
}

func TestServeConn_NoPasswordTransfers(t *testing.T) {
	dest := t.TempDir()
	h := newHost(t, Config{Folder: dest})
	a, b := transport.Pipe()
	serve(h, b)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := client.Connect(ctx, a, client.Options{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	src := filepath.Join(t.TempDir(), "notes.txt")
	data := bytes.Repeat([]byte("shareio "), 20000)
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatal(err)
	}
	results, err := c.SendAll(ctx, []string{src})
	if err != nil {
		t.Fatalf("SendAll() error = %v", err)
	}
	if !results[0].Verified || results[0].StoredAs != "notes.txt" {
		t.Errorf("outcome = %+v, want verified notes.txt", results[0])
	}
	got, err := os.ReadFile(filepath.Join(dest, "notes.txt"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("received file differs from source")
	}
}

func TestServeConn_WrongSecretRejected(t *testing.T) {
	dest := t.TempDir()
	h := newHost(t, Config{Folder: dest, Gate: auth.Gate{Secret: "right"}})
	a, b := transport.Pipe()
	res := serve(h, b)
	p := startPeer(t, a)

	p.expect(t, protocol.TypeChallenge)
	p.send(t, protocol.Ready{FileRef: protocol.FileRef{ID: "t1", FileName: "early.txt"}})
	p.send(t, protocol.AuthResponse{Secret: "wrong"})

	p.expect(t, protocol.TypeAuthInvalid)
	p.expectClosed(t)
	if err := waitResult(t, res); !errors.Is(err, ErrRejected) {
		t.Errorf("ServeConn() error = %v, want ErrRejected", err)
	}
	if names := entries(t, dest); len(names) != 0 {
		t.Errorf("folder contains %v, want nothing", names)
	}
}

func TestServeConn_CorrectSecretAdmits(t *testing.T) {
	h := newHost(t, Config{Gate: auth.Gate{Secret: "right"}})
	a, b := transport.Pipe()
	serve(h, b)
	p := startPeer(t, a)

	p.expect(t, protocol.TypeChallenge)
	p.send(t, protocol.AuthResponse{Secret: "right"})
	p.expect(t, protocol.TypeSessionReady)

	p.send(t, protocol.Ready{FileRef: protocol.FileRef{ID: "t1", FileName: "a.txt"}})
	ack := p.expect(t, protocol.TypeReadyAck).(protocol.ReadyAck)
	if ack.ID != "t1" {
		t.Errorf("ack id = %q, want t1", ack.ID)
	}
}

func TestServeConn_AuthTimeout(t *testing.T) {
	t.Run("permissive", func(t *testing.T) {
		h := newHost(t, Config{Gate: auth.Gate{Secret: "s", Timeout: 30 * time.Millisecond}})
		a, b := transport.Pipe()
		serve(h, b)
		p := startPeer(t, a)

		p.expect(t, protocol.TypeChallenge)
		p.expect(t, protocol.TypeAuthTimeout)
		p.expect(t, protocol.TypeSessionReady)

		p.send(t, protocol.Ready{FileRef: protocol.FileRef{ID: "t1", FileName: "a.txt"}})
		p.expect(t, protocol.TypeReadyAck)
	})

	t.Run("strict", func(t *testing.T) {
		h := newHost(t, Config{Gate: auth.Gate{Secret: "s", Timeout: 30 * time.Millisecond, Policy: auth.PolicyStrict}})
		a, b := transport.Pipe()
		res := serve(h, b)
		p := startPeer(t, a)

		p.expect(t, protocol.TypeChallenge)
		p.expect(t, protocol.TypeAuthTimeout)
		p.expectClosed(t)
		if err := waitResult(t, res); !errors.Is(err, ErrRejected) {
			t.Errorf("ServeConn() error = %v, want ErrRejected", err)
		}
	})
}

func TestServeConn_DisconnectReapsPartialFile(t *testing.T) {
	dest := t.TempDir()
	h := newHost(t, Config{Folder: dest, Grace: 40 * time.Millisecond})
	a, b := transport.Pipe()
	res := serve(h, b)
	p := startPeer(t, a)

	p.expect(t, protocol.TypeSessionReady)
	ref := protocol.FileRef{ID: "t1", FileName: "big.bin"}
	p.send(t, protocol.Ready{FileRef: ref})
	p.expect(t, protocol.TypeReadyAck)
	p.send(t, protocol.Chunk{FileRef: ref, Data: []byte("partial")})

	partial := filepath.Join(dest, "big.bin")
	if !exists(partial) {
		t.Fatal("partial file not created")
	}
	_ = a.Close()
	if err := waitResult(t, res); err != nil {
		t.Errorf("ServeConn() error = %v, want nil", err)
	}

	waitFor(t, "partial file removal", func() bool { return !exists(partial) })
	if h.Reaper().Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", h.Reaper().Pending())
	}

	// the name is free again for the next connection
	a2, b2 := transport.Pipe()
	serve(h, b2)
	p2 := startPeer(t, a2)
	p2.expect(t, protocol.TypeSessionReady)
	p2.send(t, protocol.Ready{FileRef: protocol.FileRef{ID: "t2", FileName: "big.bin"}})
	p2.expect(t, protocol.TypeReadyAck)
	if !exists(partial) {
		t.Error("second transfer should reuse big.bin")
	}
}

func TestShutdown_FlushesPendingCleanup(t *testing.T) {
	dest := t.TempDir()
	h := New(Config{Folder: dest, Grace: time.Minute})
	a, b := transport.Pipe()
	res := serve(h, b)
	p := startPeer(t, a)

	p.expect(t, protocol.TypeSessionReady)
	ref := protocol.FileRef{ID: "t1", FileName: "a.bin"}
	p.send(t, protocol.Ready{FileRef: ref})
	p.expect(t, protocol.TypeReadyAck)
	waitFor(t, "partial file", func() bool { return exists(filepath.Join(dest, "a.bin")) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if exists(filepath.Join(dest, "a.bin")) {
		t.Error("partial file survived shutdown")
	}
	if err := waitResult(t, res); !errors.Is(err, context.Canceled) {
		t.Errorf("ServeConn() error = %v, want context.Canceled", err)
	}
	if n := h.Connections(); n != 0 {
		t.Errorf("Connections() = %d, want 0", n)
	}

	_, b2 := transport.Pipe()
	if err := h.ServeConn(context.Background(), b2); !errors.Is(err, ErrClosed) {
		t.Errorf("ServeConn() after Shutdown error = %v, want ErrClosed", err)
	}
}

func TestServeHTTP_AfterShutdown(t *testing.T) {
	h := New(Config{Folder: t.TempDir()})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	served := make(chan error, 1)
	go func() { served <- h.ServeHTTP(ln) }()
	select {
	case err := <-served:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("ServeHTTP() error = %v, want ErrClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ServeHTTP() kept serving after Shutdown")
	}
	if _, err := ln.Accept(); err == nil {
		t.Error("listener still accepting after ServeHTTP returned")
	}
}

func TestHandler_Health(t *testing.T) {
	tests := []struct {
		name string
		gate auth.Gate
		want bool
	}{
		{name: "open", want: false},
		{name: "password", gate: auth.Gate{Secret: "s"}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHost(t, Config{Gate: tt.gate})
			srv := httptest.NewServer(h.Handler())
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/health")
			if err != nil {
				t.Fatalf("GET /health error = %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			var body struct {
				OK      bool `json:"ok"`
				Auth    bool `json:"auth"`
				Version int  `json:"version"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode error = %v", err)
			}
			if !body.OK || body.Auth != tt.want || body.Version != protocol.ProtocolVersion {
				t.Errorf("body = %+v, want ok auth=%v version=%d", body, tt.want, protocol.ProtocolVersion)
			}
		})
	}

	h := newHost(t, Config{})
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()
	resp, err := http.Post(srv.URL+"/health", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /health status = %d, want 405", resp.StatusCode)
	}
}

func dialWS(t *testing.T, baseURL string) (*wsclient.Conn, error) {
	t.Helper()
	wsURL, err := wsclient.URL(baseURL)
	if err != nil {
		t.Fatalf("URL() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return wsclient.Dial(ctx, wsURL, nil)
}

func TestWebSocket_EndToEnd(t *testing.T) {
	dest := t.TempDir()
	h := newHost(t, Config{Folder: dest, Gate: auth.Gate{Secret: "pw"}})
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	conn, err := dialWS(t, srv.URL)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Connect(ctx, conn, client.Options{Password: "pw", ChunkSize: transfer.MinChunkSize})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	srcDir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.txt", "b.txt"} {
		path := filepath.Join(srcDir, name)
		if err := os.WriteFile(path, bytes.Repeat([]byte(name), 3000), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, path)
	}
	results, err := c.SendAll(ctx, paths)
	if err != nil {
		t.Fatalf("SendAll() error = %v", err)
	}
	for _, res := range results {
		if !res.Verified {
			t.Errorf("%s not verified: %+v", res.FileName, res)
		}
	}
	if names := entries(t, dest); len(names) != 2 {
		t.Errorf("folder contains %v, want two files", names)
	}
}

func TestWebSocket_WrongPassword(t *testing.T) {
	h := newHost(t, Config{Gate: auth.Gate{Secret: "pw"}})
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	conn, err := dialWS(t, srv.URL)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Connect(ctx, conn, client.Options{Password: "nope"}); !errors.Is(err, client.ErrPasswordInvalid) {
		t.Errorf("Connect() error = %v, want ErrPasswordInvalid", err)
	}
}

func TestWebSocket_ConnectionLimit(t *testing.T) {
	h := newHost(t, Config{MaxConns: 1})
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	first, err := dialWS(t, srv.URL)
	if err != nil {
		t.Fatalf("first Dial() error = %v", err)
	}
	defer first.Close()

	if second, err := dialWS(t, srv.URL); err == nil {
		second.Close()
		t.Fatal("second Dial() succeeded past the connection limit")
	}

	first.Close()
	waitFor(t, "slot release", func() bool { return h.Connections() == 0 })
	waitFor(t, "redial", func() bool {
		c, err := dialWS(t, srv.URL)
		if err != nil {
			return false
		}
		c.Close()
		return true
	})
}

func TestQUIC_EndToEnd(t *testing.T) {
	dest := t.TempDir()
	h := newHost(t, Config{Folder: dest})
	ln, err := quictransport.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	go h.ServeQUIC(ln)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := quictransport.Dial(ctx, ln.Addr().String(), "peer-1", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	c, err := client.Connect(ctx, conn, client.Options{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	src := filepath.Join(t.TempDir(), "q.bin")
	data := bytes.Repeat([]byte{0xab}, 200*1024+1)
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatal(err)
	}
	results, err := c.SendAll(ctx, []string{src})
	if err != nil {
		t.Fatalf("SendAll() error = %v", err)
	}
	if !results[0].Verified {
		t.Errorf("outcome = %+v, want verified", results[0])
	}
	got, err := os.ReadFile(filepath.Join(dest, "q.bin"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("received file differs from source")
	}
}
