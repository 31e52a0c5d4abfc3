package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sheerbytes/shareio/internal/transfer"
)

func TestReporterSenderLines(t *testing.T) {
	var buf bytes.Buffer
	now := time.Unix(0, 0)
	r := NewReporterWithNow(&buf, false, func() time.Time { return now })

	info := transfer.Info{ID: "t1", FileName: "a.bin", Role: transfer.RoleSender, Bytes: 2 * 1024 * 1024}
	r.TransferStarted(info)
	r.TransferCompleted(info)
	if buf.Len() != 0 {
		t.Fatalf("sender completion printed %q before the receipt", buf.String())
	}

	now = now.Add(time.Second)
	r.TransferReceived(info, true)
	line := buf.String()
	for _, want := range []string{"sent a.bin", "2.0 MiB", "2.0 MB/s", "verified"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}

	buf.Reset()
	r.TransferReceived(transfer.Info{ID: "t2", FileName: "b.bin"}, false)
	if !strings.Contains(buf.String(), "NOT VERIFIED") {
		t.Errorf("line %q should flag the bad receipt", buf.String())
	}

	if ok, failed := r.Counts(); ok != 1 || failed != 1 {
		t.Errorf("Counts() = %d, %d, want 1, 1", ok, failed)
	}
}

func TestReporterReceiverLines(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf, false)

	r.TransferCompleted(transfer.Info{ID: "t1", FileName: "a.txt", StoredAs: "a (1).txt", Role: transfer.RoleReceiver, Bytes: 10})
	if !strings.Contains(buf.String(), "a.txt -> a (1).txt") {
		t.Errorf("line %q should show the stored name", buf.String())
	}

	buf.Reset()
	r.TransferAborted(transfer.Info{ID: "t2", FileName: "b.txt", Status: transfer.StatusAborted}, "connection lost")
	if got := buf.String(); !strings.HasPrefix(got, "aborted b.txt") || !strings.Contains(got, "connection lost") {
		t.Errorf("abort line = %q", got)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{formatSize(0), "0 B"},
		{formatSize(1536), "1.5 KiB"},
		{formatSize(3 * 1024 * 1024 * 1024), "3.00 GiB"},
		{formatRate(512), "512 B/s"},
		{formatRate(10 * 1024), "10 KB/s"},
		{formatRate(1.5 * 1024 * 1024 * 1024), "1.50 GB/s"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
