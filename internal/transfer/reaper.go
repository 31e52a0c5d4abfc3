package transfer

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultGraceWindow is how long a lost connection's transfers survive
// before they are force-aborted.
const DefaultGraceWindow = time.Second

// Reaper delays cleanup of a lost connection's transfers by a fixed grace
// window. There is no reconnect path yet, so the window only delays.
type Reaper struct {
	grace  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*reap
}

type reap struct {
	timer *time.Timer
	once  sync.Once
	fn    func()
}

func (r *reap) run() {
	r.once.Do(r.fn)
}

// NewReaper returns a reaper with the given grace window. A zero or
// negative window selects DefaultGraceWindow.
func NewReaper(grace time.Duration, logger *slog.Logger) *Reaper {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Reaper{
		grace:   grace,
		logger:  loggerOrDefault(logger),
		pending: make(map[string]*reap),
	}
}

// Grace returns the configured grace window.
func (r *Reaper) Grace() time.Duration {
	return r.grace
}

// Schedule runs fn once the grace window after connID was lost has passed.
// Scheduling the same connID again replaces the pending run.
func (r *Reaper) Schedule(connID string, fn func()) {
	entry := &reap{fn: fn}
	r.mu.Lock()
	if existing := r.pending[connID]; existing != nil {
		existing.timer.Stop()
	}
	r.pending[connID] = entry
	entry.timer = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		owned := r.pending[connID] == entry
		if owned {
			delete(r.pending, connID)
		}
		r.mu.Unlock()
		if !owned {
			return
		}
		r.logger.Debug("grace window elapsed", "conn_id", connID)
		entry.run()
	})
	r.mu.Unlock()
}

// ReapReceiver is the standard cleanup for a lost receiving connection.
func (r *Reaper) ReapReceiver(connID string, recv *Receiver) {
	r.Schedule(connID, func() {
		if n := recv.AbortAll("connection lost", true); n > 0 {
			r.logger.Info("reaped orphaned transfers", "conn_id", connID, "count", n)
		}
	})
}

// ReapSender is the standard cleanup for a lost sending connection.
func (r *Reaper) ReapSender(connID string, snd *Sender) {
	r.Schedule(connID, func() {
		if n := snd.AbortAll("connection lost", true); n > 0 {
			r.logger.Info("reaped orphaned transfers", "conn_id", connID, "count", n)
		}
	})
}

// Cancel drops the pending run for connID without running it.
func (r *Reaper) Cancel(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.pending[connID]
	if entry == nil {
		return false
	}
	entry.timer.Stop()
	delete(r.pending, connID)
	return true
}

// Pending returns the number of connections awaiting cleanup.
func (r *Reaper) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush runs every pending cleanup now. Used on shutdown.
func (r *Reaper) Flush() {
	r.mu.Lock()
	entries := make([]*reap, 0, len(r.pending))
	for connID, entry := range r.pending {
		entry.timer.Stop()
		entries = append(entries, entry)
		delete(r.pending, connID)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		entry.run()
	}
}

// Stop cancels every pending cleanup without running it.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID, entry := range r.pending {
		entry.timer.Stop()
		delete(r.pending, connID)
	}
}
