// Package termio serializes CLI output written from many goroutines.
// Each Write reaches the terminal whole and in the order it was queued.
package termio

import (
	"io"
	"os"
	"sync"
)

const queueDepth = 1024

// op is either a write or, when buf is nil, a flush barrier.
type op struct {
	buf     []byte
	flushed chan struct{}
}

type queue struct {
	out io.Writer
	ops chan op
}

func newQueue(out io.Writer) *queue {
	q := &queue{out: out, ops: make(chan op, queueDepth)}
	go q.run()
	return q
}

func (q *queue) run() {
	for o := range q.ops {
		if o.flushed != nil {
			close(o.flushed)
			continue
		}
		_, _ = q.out.Write(o.buf)
	}
}

func (q *queue) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	q.ops <- op{buf: append([]byte(nil), p...)}
	return len(p), nil
}

// flush returns once every write queued before it has been written.
func (q *queue) flush() {
	done := make(chan struct{})
	q.ops <- op{flushed: done}
	<-done
}

var (
	initOnce       sync.Once
	stdout, stderr *queue
)

// Init starts the output queues. The accessors call it lazily.
func Init() {
	initOnce.Do(func() {
		stdout = newQueue(os.Stdout)
		stderr = newQueue(os.Stderr)
	})
}

func Stdout() io.Writer {
	Init()
	return stdout
}

func Stderr() io.Writer {
	Init()
	return stderr
}

// Flush blocks until everything written so far reached the terminal.
// Call it before os.Exit.
func Flush() {
	Init()
	stdout.flush()
	stderr.flush()
}

// IsTTY reports whether f is a character device.
func IsTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// StdoutIsTTY reports whether stdout is a terminal.
func StdoutIsTTY() bool { return IsTTY(os.Stdout) }
