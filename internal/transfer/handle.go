package transfer

import (
	"io"
	"sync"
)

// handle owns an open source or sink and closes it exactly once, no matter
// how many terminal paths race to release it.
type handle struct {
	once sync.Once
	c    io.Closer
	err  error
}

func newHandle(c io.Closer) *handle {
	return &handle{c: c}
}

// Close closes the underlying resource on the first call and returns that
// result on every call. A nil handle is a no-op.
func (h *handle) Close() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		if h.c != nil {
			h.err = h.c.Close()
		}
	})
	return h.err
}
