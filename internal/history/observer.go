package history

import (
	"log/slog"

	"github.com/sheerbytes/shareio/internal/transfer"
)

// Observer writes terminal transfer events to a Store.
type Observer struct {
	transfer.NopObserver
	Store  *Store
	Logger *slog.Logger
}

var _ transfer.Observer = (*Observer)(nil)

// NewObserver returns an observer recording into store.
func NewObserver(store *Store, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{Store: store, Logger: logger}
}

func (o *Observer) TransferCompleted(info transfer.Info) {
	o.record(info, "")
}

func (o *Observer) TransferAborted(info transfer.Info, reason string) {
	o.record(info, reason)
}

func (o *Observer) TransferReceived(info transfer.Info, verified bool) {
	if err := o.Store.MarkReceipt(info.ID, info.StoredAs, verified); err != nil {
		o.Logger.Warn("history receipt update failed", "transfer_id", info.ID, "error", err)
	}
}

func (o *Observer) record(info transfer.Info, reason string) {
	err := o.Store.Record(Entry{
		TransferID: info.ID,
		Role:       info.Role.String(),
		ConnID:     info.ConnID,
		FileName:   info.FileName,
		StoredAs:   info.StoredAs,
		Status:     info.Status.String(),
		Bytes:      info.Bytes,
		Digest:     info.Digest,
		Reason:     reason,
	})
	if err != nil {
		o.Logger.Warn("history record failed", "transfer_id", info.ID, "error", err)
	}
}
