// Package chat holds the controller side of the shell: the task chain that
// serializes engine operations, the Controller built on it, and the periodic
// stats reporter.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"llmshell/internal/domain"
)

// Policy decides what Enqueue does while the chain is busy.
type Policy string

const (
	// PolicyQueue appends new work behind whatever is queued.
	PolicyQueue Policy = "queue"
	// PolicyReject refuses new work with domain.ErrBusy while other
	// foreground work is queued or running. Background tasks never count.
	PolicyReject Policy = "reject"
)

// ErrChainClosed is reported on tickets enqueued after Close, or still queued
// when Close ran.
var ErrChainClosed = errors.New("task chain closed")

// Task is one unit of serialized work.
type Task func(ctx context.Context) error

// Ticket tracks one enqueued task.
type Ticket struct {
	name string
	done chan struct{}
	err  error
}

func newTicket(name string) *Ticket {
	return &Ticket{name: name, done: make(chan struct{})}
}

func settledTicket(name string, err error) *Ticket {
	t := newTicket(name)
	t.settle(err)
	return t
}

func (t *Ticket) settle(err error) {
	t.err = err
	close(t.done)
}

// Name returns the name given to Enqueue.
func (t *Ticket) Name() string { return t.name }

// Done is closed once the task has settled.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the task's result. It is only meaningful after Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task settles or ctx is done. Giving up on the wait
// does not cancel the task.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queuedTask struct {
	ticket     *Ticket
	run        Task
	background bool
}

// TaskChain runs tasks one at a time in enqueue order. A task that fails or
// panics settles its own ticket and the chain moves on.
type TaskChain struct {
	policy Policy
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	queue      []queuedTask
	running    bool
	foreground int // foreground tasks queued or running
	closed     bool
	wg         sync.WaitGroup
}

// NewTaskChain creates an idle chain. An unknown policy behaves as
// PolicyQueue.
func NewTaskChain(policy Policy, logger *slog.Logger) *TaskChain {
	if policy != PolicyReject {
		policy = PolicyQueue
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskChain{policy: policy, logger: logger, ctx: ctx, cancel: cancel}
}

// Policy returns the chain's policy.
func (c *TaskChain) Policy() Policy { return c.policy }

// Enqueue appends task without blocking. Under PolicyReject a chain with
// foreground work pending returns a ticket already settled with
// domain.ErrBusy.
func (c *TaskChain) Enqueue(name string, task Task) *Ticket {
	return c.enqueue(name, task, false)
}

// EnqueueBackground appends housekeeping work such as periodic stats. It is
// serialized like any task but never rejected, and it does not make the
// chain reject foreground work.
func (c *TaskChain) EnqueueBackground(name string, task Task) *Ticket {
	return c.enqueue(name, task, true)
}

func (c *TaskChain) enqueue(name string, task Task, background bool) *Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return settledTicket(name, ErrChainClosed)
	}
	if !background && c.policy == PolicyReject && c.foreground > 0 {
		return settledTicket(name, domain.NewDomainError("TaskChain.Enqueue", domain.ErrBusy, name))
	}

	t := newTicket(name)
	c.queue = append(c.queue, queuedTask{ticket: t, run: task, background: background})
	if !background {
		c.foreground++
	}
	if !c.running {
		c.running = true
		c.wg.Add(1)
		go c.drain()
	}
	return t
}

// Busy reports whether a task is running or queued.
func (c *TaskChain) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running || len(c.queue) > 0
}

// Len returns the number of tasks waiting to run.
func (c *TaskChain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *TaskChain) drain() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.running = false
			c.mu.Unlock()
			return
		}
		next := c.queue[0]
		c.queue[0] = queuedTask{}
		c.queue = c.queue[1:]
		c.mu.Unlock()

		err := c.run(next)
		if err != nil {
			c.logger.Warn("chat task failed", "task", next.ticket.name, "error", err)
		}
		if !next.background {
			c.mu.Lock()
			c.foreground--
			c.mu.Unlock()
		}
		next.ticket.settle(err)
	}
}

func (c *TaskChain) run(q queuedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewDomainError("TaskChain."+q.ticket.name, domain.ErrInternal, fmt.Sprintf("panic: %v", r))
		}
	}()
	return q.run(c.ctx)
}

// Close refuses new work, settles queued tasks with ErrChainClosed, cancels
// the running task's context and waits for it to return.
func (c *TaskChain) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	queued := c.queue
	c.queue = nil
	for _, q := range queued {
		if !q.background {
			c.foreground--
		}
	}
	c.mu.Unlock()

	for _, q := range queued {
		q.ticket.settle(ErrChainClosed)
	}
	c.cancel()
	c.wg.Wait()
}
