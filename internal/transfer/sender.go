package transfer

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sheerbytes/shareio/internal/transport"
	"github.com/sheerbytes/shareio/pkg/protocol"
)

const (
	DefaultChunkSize = 64 * 1024
	MinChunkSize     = 1024
	MaxChunkSize     = 512 * 1024
)

// SenderOptions configures a Sender.
type SenderOptions struct {
	Source    Source
	ChunkSize int
	Observer  Observer
	Logger    *slog.Logger
}

// Outcome is the final state of an outgoing transfer.
type Outcome struct {
	Info
	// Verified is true when the receipt matched the streamed size and digest.
	Verified bool
	// Reason is set for aborted and errored transfers.
	Reason string
}

// Outgoing tracks one file handed to Sender.SendFile.
type Outgoing struct {
	id       string
	fileName string
	path     string
	connID   string

	mu       sync.Mutex
	status   Status
	source   *handle
	r        io.Reader
	digest   hash.Hash
	bytes    int64
	storedAs string

	doneOnce sync.Once
	done     chan struct{}
	outcome  Outcome
}

// ID returns the transfer id.
func (o *Outgoing) ID() string { return o.id }

// FileName returns the announced file name.
func (o *Outgoing) FileName() string { return o.fileName }

// Done is closed once the outcome is final: after the receipt for a
// completed transfer, or on abort, error or connection teardown.
func (o *Outgoing) Done() <-chan struct{} { return o.done }

// Outcome returns the final outcome. It is only meaningful after Done.
func (o *Outgoing) Outcome() Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcome
}

// Wait blocks until the outcome is final or ctx ends.
func (o *Outgoing) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-o.done:
		return o.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (o *Outgoing) ref() protocol.FileRef {
	return protocol.FileRef{ID: o.id, FileName: o.fileName}
}

// info must be called with o.mu held.
func (o *Outgoing) info() Info {
	return Info{
		ID:       o.id,
		FileName: o.fileName,
		StoredAs: o.storedAs,
		Role:     RoleSender,
		Status:   o.status,
		Bytes:    o.bytes,
		ConnID:   o.connID,
	}
}

// settle must be called with o.mu held.
func (o *Outgoing) settle(out Outcome) {
	o.doneOnce.Do(func() {
		o.outcome = out
		close(o.done)
	})
}

// Sender runs the sending state machine for every file pushed over one
// connection. Handle must be called from a single goroutine.
type Sender struct {
	conn      transport.Conn
	src       Source
	chunkSize int
	obs       Observer
	logger    *slog.Logger

	transfers *Registry[*Outgoing]
	receipts  *Registry[*Outgoing]
	wg        sync.WaitGroup
}

// NewSender returns a sender streaming over conn.
func NewSender(conn transport.Conn, opts SenderOptions) *Sender {
	src := opts.Source
	if src == nil {
		src = OSSource{}
	}
	return &Sender{
		conn:      conn,
		src:       src,
		chunkSize: ClampChunkSize(opts.ChunkSize),
		obs:       observerOrNop(opts.Observer),
		logger:    loggerOrDefault(opts.Logger).With("conn_id", conn.ID()),
		transfers: NewRegistry[*Outgoing](),
		receipts:  NewRegistry[*Outgoing](),
	}
}

// ClampChunkSize bounds n to [MinChunkSize, MaxChunkSize]; zero or less
// selects DefaultChunkSize.
func ClampChunkSize(n int) int {
	switch {
	case n <= 0:
		return DefaultChunkSize
	case n < MinChunkSize:
		return MinChunkSize
	case n > MaxChunkSize:
		return MaxChunkSize
	default:
		return n
	}
}

// Active returns the number of transfers not yet completed or terminated.
func (s *Sender) Active() int {
	return s.transfers.Len()
}

// SendFile announces path to the receiver. Streaming starts when the
// receiver acknowledges.
func (s *Sender) SendFile(path string) (*Outgoing, error) {
	fi, err := s.src.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", path, ErrNotRegularFile)
	}

	out := &Outgoing{
		id:       uuid.NewString(),
		fileName: filepath.Base(path),
		path:     path,
		connID:   s.conn.ID(),
		status:   StatusRequested,
		digest:   newDigest(),
		done:     make(chan struct{}),
	}
	if !s.transfers.Insert(out.id, out) {
		return nil, fmt.Errorf("transfer id collision: %s", out.id)
	}
	if err := transport.SendMessage(s.conn, protocol.Ready{FileRef: out.ref()}); err != nil {
		s.transfers.Remove(out.id)
		return nil, fmt.Errorf("announce %s: %w: %v", out.fileName, ErrNotConnected, err)
	}

	out.mu.Lock()
	info := out.info()
	out.mu.Unlock()
	s.obs.TransferStarted(info)
	return out, nil
}

// Handle applies one message from the peer.
func (s *Sender) Handle(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.ReadyAck:
		s.onReadyAck(m)
	case protocol.Abort:
		s.abort(m.ID, false, "aborted by peer")
	case protocol.Received:
		s.onReceived(m)
	case protocol.Ready, protocol.Chunk, protocol.Done, protocol.Error:
		s.logger.Debug("ignoring receiver-bound message", "type", msg.Kind())
	case protocol.Challenge, protocol.AuthResponse, protocol.AuthInvalid, protocol.AuthTimeout, protocol.SessionReady:
		s.logger.Debug("ignoring handshake message in transfer phase", "type", msg.Kind())
	default:
		s.logger.Warn("unhandled message", "type", msg.Kind())
	}
}

func (s *Sender) onReadyAck(m protocol.ReadyAck) {
	out, ok := s.transfers.Get(m.ID)
	if !ok {
		return
	}
	out.mu.Lock()
	if out.status != StatusRequested {
		out.mu.Unlock()
		return
	}
	r, err := s.src.Open(out.path)
	if err != nil {
		out.mu.Unlock()
		s.fail(out, err)
		return
	}
	out.source = newHandle(r)
	out.r = r
	out.status = StatusStreaming
	out.mu.Unlock()

	s.wg.Add(1)
	go s.stream(out)
}

func (s *Sender) stream(out *Outgoing) {
	defer s.wg.Done()

	pool := chunkPoolFor(s.chunkSize)
	buf := pool.Get()
	defer pool.Put(buf)

	for {
		n, err := out.r.Read(*buf)
		if n > 0 {
			if serr := s.emitChunk(out, (*buf)[:n]); serr != nil {
				if !errors.Is(serr, errStopped) && !errors.Is(serr, transport.ErrClosed) {
					s.fail(out, serr)
				}
				return
			}
		}
		if errors.Is(err, io.EOF) {
			s.complete(out)
			return
		}
		if err != nil {
			s.fail(out, err)
			return
		}
	}
}

// emitChunk sends data under the transfer lock so that no chunk can follow
// an abort. It returns errStopped once the transfer has left Streaming.
// On a closed connection the reaper terminates the transfer; any other
// send error is the caller's to fail.
func (s *Sender) emitChunk(out *Outgoing, data []byte) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.status != StatusStreaming {
		return errStopped
	}
	env, err := protocol.Encode(protocol.Chunk{FileRef: out.ref(), Data: data})
	if err != nil {
		return err
	}
	if err := s.conn.Send(env); err != nil {
		s.logger.Debug("chunk send failed", "transfer_id", out.id, "error", err)
		return err
	}
	out.bytes += int64(len(data))
	out.digest.Write(data)
	return nil
}

func (s *Sender) complete(out *Outgoing) {
	if _, ok := s.transfers.Remove(out.id); !ok {
		return
	}
	out.mu.Lock()
	if out.status.Terminal() {
		out.mu.Unlock()
		return
	}
	if err := transport.SendMessage(s.conn, protocol.Done{FileRef: out.ref()}); err != nil {
		s.logger.Debug("done send failed", "transfer_id", out.id, "error", err)
		if !errors.Is(err, transport.ErrClosed) {
			out.mu.Unlock()
			s.errored(out, err)
			return
		}
	}
	out.status = StatusCompleted
	_ = out.source.Close()
	info := out.info()
	info.Digest = digestHex(out.digest)
	s.receipts.Insert(out.id, out)
	out.mu.Unlock()

	s.obs.TransferCompleted(info)
}

func (s *Sender) fail(out *Outgoing, cause error) {
	if _, ok := s.transfers.Remove(out.id); !ok {
		return
	}
	s.errored(out, cause)
}

// errored settles a transfer the caller already removed from the registry.
func (s *Sender) errored(out *Outgoing, cause error) {
	reason := cause.Error()
	out.mu.Lock()
	if out.status.Terminal() {
		out.mu.Unlock()
		return
	}
	out.status = StatusErrored
	_ = out.source.Close()
	info := out.info()
	out.settle(Outcome{Info: info, Reason: reason})
	out.mu.Unlock()

	s.logger.Error("transfer failed", "transfer_id", out.id, "file", out.path, "error", cause)
	if err := transport.SendMessage(s.conn, protocol.Error{FileRef: out.ref(), Reason: reason}); err != nil {
		s.logger.Debug("error send failed", "transfer_id", out.id, "error", err)
	}
	s.obs.TransferAborted(info, reason)
}

func (s *Sender) onReceived(m protocol.Received) {
	out, ok := s.receipts.Remove(m.ID)
	if !ok {
		return
	}
	out.mu.Lock()
	out.storedAs = m.FileName
	info := out.info()
	info.Digest = digestHex(out.digest)
	verified := m.Size == out.bytes && m.Digest == info.Digest
	out.settle(Outcome{Info: info, Verified: verified})
	out.mu.Unlock()

	s.obs.TransferReceived(info, verified)
}

// Abort cancels the transfer locally and tells the receiver. It reports
// whether a live transfer was found; aborting twice is a no-op.
func (s *Sender) Abort(id string) bool {
	return s.abort(id, true, "aborted locally")
}

func (s *Sender) abort(id string, notify bool, reason string) bool {
	out, ok := s.transfers.Remove(id)
	if !ok {
		return false
	}
	s.terminate(out, notify, reason)
	return true
}

func (s *Sender) terminate(out *Outgoing, notify bool, reason string) {
	out.mu.Lock()
	if out.status.Terminal() {
		out.mu.Unlock()
		return
	}
	out.status = StatusAborted
	_ = out.source.Close()
	info := out.info()
	out.settle(Outcome{Info: info, Reason: reason})
	out.mu.Unlock()

	if notify {
		if err := transport.SendMessage(s.conn, protocol.Abort{FileRef: out.ref()}); err != nil {
			s.logger.Debug("abort send failed", "transfer_id", out.id, "error", err)
		}
	}
	s.obs.TransferAborted(info, reason)
}

// AbortAll force-terminates every live transfer and settles completed
// transfers still waiting for a receipt as unverified.
func (s *Sender) AbortAll(reason string, notify bool) int {
	entries := s.transfers.Drain()
	for _, out := range entries {
		s.terminate(out, notify, reason)
	}
	for _, out := range s.receipts.Drain() {
		out.mu.Lock()
		info := out.info()
		info.Digest = digestHex(out.digest)
		out.settle(Outcome{Info: info, Reason: "no receipt: " + reason})
		out.mu.Unlock()
	}
	return len(entries)
}

// Wait blocks until every streaming goroutine has returned.
func (s *Sender) Wait() {
	s.wg.Wait()
}
