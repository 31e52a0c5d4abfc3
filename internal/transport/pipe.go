package transport

import (
	"context"
	"sync"

	"github.com/sheerbytes/shareio/pkg/protocol"
)

// Pipe returns two connected in-memory Conns. Delivery is ordered and
// unbounded, so Send never blocks; closing either end disconnects both.
func Pipe() (Conn, Conn) {
	state := &pipeState{done: make(chan struct{})}
	ab := newPipeQueue()
	ba := newPipeQueue()
	a := &pipeConn{id: protocol.NewMsgID(), state: state, out: ab, in: ba}
	b := &pipeConn{id: protocol.NewMsgID(), state: state, out: ba, in: ab}
	return a, b
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeQueue struct {
	mu     sync.Mutex
	items  []protocol.Envelope
	notify chan struct{}
}

func newPipeQueue() *pipeQueue {
	return &pipeQueue{notify: make(chan struct{}, 1)}
}

func (q *pipeQueue) push(env protocol.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *pipeQueue) drain() []protocol.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

type pipeConn struct {
	id    string
	state *pipeState
	out   *pipeQueue
	in    *pipeQueue
}

func (c *pipeConn) ID() string { return c.id }

func (c *pipeConn) Send(env protocol.Envelope) error {
	select {
	case <-c.state.done:
		return ErrClosed
	default:
	}
	c.out.push(env)
	return nil
}

func (c *pipeConn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	for {
		for _, env := range c.in.drain() {
			onEnv(env)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.state.done:
			// deliver what was sent before the close
			for _, env := range c.in.drain() {
				onEnv(env)
			}
			return ErrClosed
		case <-c.in.notify:
		}
	}
}

func (c *pipeConn) Close() error {
	c.state.once.Do(func() { close(c.state.done) })
	return nil
}
