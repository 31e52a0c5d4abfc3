package transfer

import "log/slog"

// Observer receives transfer lifecycle events. Calls happen on protocol
// goroutines and must not block.
type Observer interface {
	TransferStarted(info Info)
	TransferCompleted(info Info)
	TransferAborted(info Info, reason string)
	// TransferReceived fires on the sender when the receipt arrives.
	// verified is true when size and digest match what was sent.
	TransferReceived(info Info, verified bool)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) TransferStarted(Info)         {}
func (NopObserver) TransferCompleted(Info)       {}
func (NopObserver) TransferAborted(Info, string) {}
func (NopObserver) TransferReceived(Info, bool)  {}

// Observers fans each event out to every member in order.
type Observers []Observer

func (o Observers) TransferStarted(info Info) {
	for _, obs := range o {
		obs.TransferStarted(info)
	}
}

func (o Observers) TransferCompleted(info Info) {
	for _, obs := range o {
		obs.TransferCompleted(info)
	}
}

func (o Observers) TransferAborted(info Info, reason string) {
	for _, obs := range o {
		obs.TransferAborted(info, reason)
	}
}

func (o Observers) TransferReceived(info Info, verified bool) {
	for _, obs := range o {
		obs.TransferReceived(info, verified)
	}
}

// LogObserver logs lifecycle events.
type LogObserver struct {
	Logger *slog.Logger
}

func (l LogObserver) attrs(info Info) []any {
	return []any{
		"transfer_id", info.ID,
		"file", info.FileName,
		"role", info.Role.String(),
		"conn_id", info.ConnID,
	}
}

func (l LogObserver) TransferStarted(info Info) {
	l.Logger.Info("transfer started", l.attrs(info)...)
}

func (l LogObserver) TransferCompleted(info Info) {
	l.Logger.Info("transfer completed", append(l.attrs(info), "stored_as", info.StoredAs, "bytes", info.Bytes)...)
}

func (l LogObserver) TransferAborted(info Info, reason string) {
	l.Logger.Warn("transfer aborted", append(l.attrs(info), "status", info.Status.String(), "bytes", info.Bytes, "reason", reason)...)
}

func (l LogObserver) TransferReceived(info Info, verified bool) {
	l.Logger.Info("transfer received", append(l.attrs(info), "stored_as", info.StoredAs, "bytes", info.Bytes, "verified", verified)...)
}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
