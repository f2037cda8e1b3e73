// Package mem provides an in-process TaskPort pair. Messages are copied through
// JSON encoding so the two ends never share memory.
package mem

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"llmshell/internal/domain"
)

// queue is an unbounded FIFO with a wake-up channel for a single reader.
type queue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(b []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.ErrChannelClosed
	}
	q.items = append(q.items, b)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available, the queue is closed and drained, or
// ctx is done.
func (q *queue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			b := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return b, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, io.EOF
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Port is one end of an in-process pipe.
type Port struct {
	in        *queue
	out       *queue
	closeOnce sync.Once
}

// Pipe returns two connected ports. A message sent on one is received on the
// other in send order.
func Pipe() (*Port, *Port) {
	ab, ba := newQueue(), newQueue()
	return &Port{in: ba, out: ab}, &Port{in: ab, out: ba}
}

// Send encodes msg and queues it for the peer. It never blocks.
func (p *Port) Send(ctx context.Context, msg domain.TaskMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mem: encode %s: %w", msg.Kind, err)
	}
	return p.out.push(data)
}

// Recv returns the next message from the peer, or io.EOF once either side has
// closed and everything already sent has been read.
func (p *Port) Recv(ctx context.Context) (domain.TaskMessage, error) {
	data, err := p.in.pop(ctx)
	if err != nil {
		return domain.TaskMessage{}, err
	}
	var msg domain.TaskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.TaskMessage{}, domain.NewDomainError("mem.Recv", domain.ErrProtocol, err.Error())
	}
	return msg, nil
}

// Close shuts both directions. Messages already queued remain readable.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.out.close()
		p.in.close()
	})
	return nil
}

var _ domain.TaskPort = (*Port)(nil)
