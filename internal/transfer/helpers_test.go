package transfer

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/shareio/internal/transport"
	"github.com/sheerbytes/shareio/pkg/protocol"
)

var errWriteStalled = errors.New("write deadline exceeded")

// recordingConn captures decoded outgoing messages. When failKind is set,
// the failAt-th send of that kind (1-based) returns errWriteStalled once
// while the connection stays usable.
type recordingConn struct {
	mu       sync.Mutex
	msgs     []protocol.Message
	closed   bool
	failKind string
	failAt   int
	seen     int
}

func (c *recordingConn) ID() string { return "rec-conn" }

func (c *recordingConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if env.Type == c.failKind {
		c.seen++
		if c.seen == c.failAt {
			return errWriteStalled
		}
	}
	msg, err := protocol.Decode(env)
	if err != nil {
		return err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingConn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *recordingConn) kinds() []string {
	var out []string
	for _, m := range c.messages() {
		out = append(out, m.Kind())
	}
	return out
}

func (c *recordingConn) count(kind string) int {
	n := 0
	for _, m := range c.messages() {
		if m.Kind() == kind {
			n++
		}
	}
	return n
}

// eventRecorder counts observer callbacks.
type eventRecorder struct {
	mu        sync.Mutex
	started   []Info
	completed []Info
	aborted   []Info
	reasons   []string
	received  []Info
	verified  []bool
}

func (e *eventRecorder) TransferStarted(info Info) {
	e.mu.Lock()
	e.started = append(e.started, info)
	e.mu.Unlock()
}

func (e *eventRecorder) TransferCompleted(info Info) {
	e.mu.Lock()
	e.completed = append(e.completed, info)
	e.mu.Unlock()
}

func (e *eventRecorder) TransferAborted(info Info, reason string) {
	e.mu.Lock()
	e.aborted = append(e.aborted, info)
	e.reasons = append(e.reasons, reason)
	e.mu.Unlock()
}

func (e *eventRecorder) TransferReceived(info Info, verified bool) {
	e.mu.Lock()
	e.received = append(e.received, info)
	e.verified = append(e.verified, verified)
	e.mu.Unlock()
}

func (e *eventRecorder) abortedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.aborted)
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

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return b
}

// linkedPair wires a Sender and a Receiver over an in-memory pipe.
type linkedPair struct {
	sender      *Sender
	receiver    *Receiver
	senderConn  transport.Conn
	recvConn    transport.Conn
	senderEvts  *eventRecorder
	recvEvts    *eventRecorder
	readLoopsWG sync.WaitGroup
}

func newLinkedPair(t *testing.T, dest string, chunkSize int) *linkedPair {
	t.Helper()
	a, b := transport.Pipe()
	p := &linkedPair{
		senderConn: a,
		recvConn:   b,
		senderEvts: &eventRecorder{},
		recvEvts:   &eventRecorder{},
	}
	p.sender = NewSender(a, SenderOptions{ChunkSize: chunkSize, Observer: p.senderEvts})
	p.receiver = NewReceiver(b, ReceiverOptions{FS: DirFS{Root: dest}, Observer: p.recvEvts})

	ctx, cancel := context.WithCancel(context.Background())
	pump := func(conn transport.Conn, handle func(protocol.Message)) {
		defer p.readLoopsWG.Done()
		_ = conn.ReadLoop(ctx, func(env protocol.Envelope) {
			msg, err := protocol.Decode(env)
			if err != nil {
				t.Errorf("Decode() error = %v", err)
				return
			}
			handle(msg)
		})
	}
	p.readLoopsWG.Add(2)
	go pump(a, p.sender.Handle)
	go pump(b, p.receiver.Handle)

	t.Cleanup(func() {
		cancel()
		_ = a.Close()
		p.readLoopsWG.Wait()
		p.sender.Wait()
	})
	return p
}

func waitOutcome(t *testing.T, out *Outgoing) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := out.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("transfer %s did not settle", out.ID())
	}
	return res
}
