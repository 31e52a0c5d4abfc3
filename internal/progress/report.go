// Package progress prints one line per finished transfer.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sheerbytes/shareio/internal/transfer"
)

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

// Reporter is a transfer.Observer writing a summary line per transfer.
type Reporter struct {
	w     io.Writer
	color bool
	now   func() time.Time

	mu      sync.Mutex
	started map[string]time.Time
	ok      int
	failed  int
}

var _ transfer.Observer = (*Reporter)(nil)

// NewReporter returns a reporter writing to w.
func NewReporter(w io.Writer, color bool) *Reporter {
	return NewReporterWithNow(w, color, time.Now)
}

// NewReporterWithNow returns a reporter with a custom time source (for tests).
func NewReporterWithNow(w io.Writer, color bool, now func() time.Time) *Reporter {
	if now == nil {
		now = time.Now
	}
	return &Reporter{w: w, color: color, now: now, started: make(map[string]time.Time)}
}

func (r *Reporter) TransferStarted(info transfer.Info) {
	r.mu.Lock()
	r.started[info.ID] = r.now()
	r.mu.Unlock()
}

// TransferCompleted reports finished receives. Sends are reported once the
// receipt arrives.
func (r *Reporter) TransferCompleted(info transfer.Info) {
	if info.Role != transfer.RoleReceiver {
		return
	}
	elapsed := r.finish(info.ID, true)
	name := info.StoredAs
	if name != info.FileName {
		name = info.FileName + " -> " + info.StoredAs
	}
	fmt.Fprintf(r.w, "%s %s  %s  %s\n",
		colorize("received", colorCyan, r.color), name, formatSize(info.Bytes), formatRate(rate(info.Bytes, elapsed)))
}

func (r *Reporter) TransferAborted(info transfer.Info, reason string) {
	r.finish(info.ID, false)
	fmt.Fprintf(r.w, "%s %s  %s (%s)\n",
		colorize(info.Status.String(), colorRed, r.color), info.FileName, formatSize(info.Bytes), reason)
}

func (r *Reporter) TransferReceived(info transfer.Info, verified bool) {
	elapsed := r.finish(info.ID, verified)
	label := colorize("sent", colorGreen, r.color)
	check := "verified"
	if !verified {
		label = colorize("sent", colorRed, r.color)
		check = "NOT VERIFIED"
	}
	fmt.Fprintf(r.w, "%s %s  %s  %s  %s\n",
		label, info.FileName, formatSize(info.Bytes), formatRate(rate(info.Bytes, elapsed)), check)
}

// Counts returns how many transfers succeeded and failed so far.
func (r *Reporter) Counts() (ok, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ok, r.failed
}

func (r *Reporter) finish(id string, ok bool) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.ok++
	} else {
		r.failed++
	}
	start, found := r.started[id]
	if !found {
		return 0
	}
	delete(r.started, id)
	return r.now().Sub(start)
}

func rate(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}

func formatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

func formatSize(n int64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	switch {
	case n >= g:
		return fmt.Sprintf("%.2f GiB", float64(n)/float64(g))
	case n >= m:
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(m))
	case n >= k:
		return fmt.Sprintf("%.1f KiB", float64(n)/float64(k))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
