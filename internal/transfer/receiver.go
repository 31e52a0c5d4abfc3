package transfer

import (
	"errors"
	"hash"
	"io"
	"log/slog"
	"sync"

	"github.com/sheerbytes/shareio/internal/transport"
	"github.com/sheerbytes/shareio/pkg/protocol"
)

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	FS       FS
	Observer Observer
	Logger   *slog.Logger
}

// Receiver runs the receiving state machine for every transfer announced on
// one connection. Handle must be called from a single goroutine; Abort and
// AbortAll may be called from anywhere.
type Receiver struct {
	conn      transport.Conn
	fs        FS
	obs       Observer
	logger    *slog.Logger
	transfers *Registry[*inbound]
}

type inbound struct {
	mu       sync.Mutex
	id       string
	fileName string
	storedAs string
	connID   string
	status   Status
	sink     *handle
	w        io.Writer
	digest   hash.Hash
	bytes    int64
}

func (in *inbound) ref() protocol.FileRef {
	return protocol.FileRef{ID: in.id, FileName: in.fileName}
}

// info must be called with in.mu held.
func (in *inbound) info() Info {
	return Info{
		ID:       in.id,
		FileName: in.fileName,
		StoredAs: in.storedAs,
		Role:     RoleReceiver,
		Status:   in.status,
		Bytes:    in.bytes,
		ConnID:   in.connID,
	}
}

// NewReceiver returns a receiver replying on conn.
func NewReceiver(conn transport.Conn, opts ReceiverOptions) *Receiver {
	logger := loggerOrDefault(opts.Logger).With("conn_id", conn.ID())
	return &Receiver{
		conn:      conn,
		fs:        opts.FS,
		obs:       observerOrNop(opts.Observer),
		logger:    logger,
		transfers: NewRegistry[*inbound](),
	}
}

// Active returns the number of live transfers.
func (r *Receiver) Active() int {
	return r.transfers.Len()
}

// Handle applies one message from the peer.
func (r *Receiver) Handle(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Ready:
		r.onReady(m)
	case protocol.Chunk:
		r.onChunk(m)
	case protocol.Done:
		r.onDone(m)
	case protocol.Error:
		r.finish(m.ID, StatusAborted, false, "sender error: "+m.Reason)
	case protocol.Abort:
		r.finish(m.ID, StatusAborted, false, "aborted by peer")
	case protocol.ReadyAck, protocol.Received:
		r.logger.Debug("ignoring sender-bound message", "type", msg.Kind())
	case protocol.Challenge, protocol.AuthResponse, protocol.AuthInvalid, protocol.AuthTimeout, protocol.SessionReady:
		r.logger.Debug("ignoring handshake message in transfer phase", "type", msg.Kind())
	default:
		r.logger.Warn("unhandled message", "type", msg.Kind())
	}
}

func (r *Receiver) onReady(m protocol.Ready) {
	if err := validateFilename(m.FileName); err != nil {
		r.logger.Warn("refusing transfer", "transfer_id", m.ID, "file", m.FileName, "error", err)
		r.send(protocol.Abort{FileRef: m.FileRef})
		return
	}
	if _, exists := r.transfers.Get(m.ID); exists {
		r.logger.Warn("duplicate transfer id, keeping existing entry", "transfer_id", m.ID, "file", m.FileName)
		return
	}

	storedAs := ResolveName(r.fs, m.FileName)
	w, err := r.fs.Create(storedAs)
	if err != nil {
		r.logger.Error("open destination failed", "transfer_id", m.ID, "stored_as", storedAs, "error", err)
		r.send(protocol.Abort{FileRef: m.FileRef})
		r.obs.TransferAborted(Info{
			ID:       m.ID,
			FileName: m.FileName,
			StoredAs: storedAs,
			Role:     RoleReceiver,
			Status:   StatusErrored,
			ConnID:   r.conn.ID(),
		}, err.Error())
		return
	}

	in := &inbound{
		id:       m.ID,
		fileName: m.FileName,
		storedAs: storedAs,
		connID:   r.conn.ID(),
		status:   StatusRequested,
		sink:     newHandle(w),
		w:        w,
		digest:   newDigest(),
	}
	if !r.transfers.Insert(m.ID, in) {
		_ = in.sink.Close()
		_ = r.fs.Remove(storedAs)
		return
	}

	in.mu.Lock()
	// a closed channel is left to the reaper
	if err := transport.SendMessage(r.conn, protocol.ReadyAck{FileRef: m.FileRef}); err != nil && !errors.Is(err, transport.ErrClosed) {
		in.mu.Unlock()
		r.logger.Error("ready ack send failed", "transfer_id", m.ID, "error", err)
		r.finish(m.ID, StatusErrored, true, "ready ack: "+err.Error())
		return
	}
	in.status = StatusStreaming
	info := in.info()
	in.mu.Unlock()

	r.obs.TransferStarted(info)
}

func (r *Receiver) onChunk(m protocol.Chunk) {
	in, ok := r.transfers.Get(m.ID)
	if !ok {
		return
	}
	in.mu.Lock()
	if in.status != StatusStreaming {
		in.mu.Unlock()
		return
	}
	n, err := in.w.Write(m.Data)
	in.bytes += int64(n)
	in.digest.Write(m.Data[:n])
	in.mu.Unlock()

	if err != nil {
		r.logger.Error("write failed", "transfer_id", m.ID, "stored_as", in.storedAs, "error", err)
		r.finish(m.ID, StatusErrored, true, "write: "+err.Error())
	}
}

func (r *Receiver) onDone(m protocol.Done) {
	in, ok := r.transfers.Remove(m.ID)
	if !ok {
		return
	}
	in.mu.Lock()
	if in.status.Terminal() {
		in.mu.Unlock()
		return
	}
	if err := in.sink.Close(); err != nil {
		in.mu.Unlock()
		r.logger.Error("close failed", "transfer_id", m.ID, "stored_as", in.storedAs, "error", err)
		r.terminate(in, StatusErrored, true, "close: "+err.Error())
		return
	}
	in.status = StatusCompleted
	info := in.info()
	info.Digest = digestHex(in.digest)
	in.mu.Unlock()

	r.obs.TransferCompleted(info)
	r.send(protocol.Received{
		FileRef: protocol.FileRef{ID: info.ID, FileName: info.StoredAs},
		Size:    info.Bytes,
		Digest:  info.Digest,
	})
}

// Abort cancels the transfer locally and tells the sender. It reports
// whether a live transfer was found; aborting twice is a no-op.
func (r *Receiver) Abort(id string) bool {
	return r.finish(id, StatusAborted, true, "aborted locally")
}

// AbortAll force-terminates every live transfer. notify sends a best-effort
// ABORT for each.
func (r *Receiver) AbortAll(reason string, notify bool) int {
	entries := r.transfers.Drain()
	for _, in := range entries {
		r.terminate(in, StatusAborted, notify, reason)
	}
	return len(entries)
}

func (r *Receiver) finish(id string, status Status, notify bool, reason string) bool {
	in, ok := r.transfers.Remove(id)
	if !ok {
		return false
	}
	r.terminate(in, status, notify, reason)
	return true
}

// terminate closes the sink, deletes the partial file and reports. The
// caller must have removed in from the registry.
func (r *Receiver) terminate(in *inbound, status Status, notify bool, reason string) {
	in.mu.Lock()
	if in.status.Terminal() {
		in.mu.Unlock()
		return
	}
	in.status = status
	_ = in.sink.Close()
	if err := r.fs.Remove(in.storedAs); err != nil {
		r.logger.Warn("remove partial file failed", "stored_as", in.storedAs, "error", err)
	}
	info := in.info()
	in.mu.Unlock()

	if notify {
		r.send(protocol.Abort{FileRef: in.ref()})
	}
	r.obs.TransferAborted(info, reason)
}

func (r *Receiver) send(msg protocol.Message) {
	if err := transport.SendMessage(r.conn, msg); err != nil {
		r.logger.Debug("send failed", "type", msg.Kind(), "error", err)
	}
}
