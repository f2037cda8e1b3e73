// Package stdio carries task messages as newline-delimited JSON over a pair of
// byte streams: a spawned worker's stdin/stdout, or the worker's own.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"llmshell/internal/domain"
)

// DefaultMaxMessageBytes bounds a single encoded message.
const DefaultMaxMessageBytes = 1 << 20

type frame struct {
	data []byte
	err  error
}

// Conn is a domain.TaskPort over a reader and a writer. One JSON message per
// line; messages larger than the configured limit end the stream.
type Conn struct {
	w       io.Writer
	closers []io.Closer

	wmu sync.Mutex

	frames chan frame
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

var _ domain.TaskPort = (*Conn)(nil)

// NewConn starts reading r in the background. closers are closed, in order,
// by Close.
func NewConn(r io.Reader, w io.Writer, maxMessageBytes int64, closers ...io.Closer) *Conn {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	c := &Conn{
		w:       w,
		closers: closers,
		frames:  make(chan frame, 16),
		done:    make(chan struct{}),
	}
	go c.readLoop(r, int(maxMessageBytes))
	return c
}

func (c *Conn) readLoop(r io.Reader, limit int) {
	defer close(c.frames)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(limit, 64*1024)), limit)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		if !c.deliver(frame{data: data}) {
			return
		}
	}

	err := scanner.Err()
	switch {
	case err == nil:
		return
	case errors.Is(err, bufio.ErrTooLong):
		err = domain.NewDomainError("stdio.Recv", domain.ErrProtocol, fmt.Sprintf("message exceeds %d bytes", limit))
	default:
		err = domain.NewDomainError("stdio.Recv", domain.ErrChannelClosed, err.Error())
	}
	c.deliver(frame{err: err})
}

func (c *Conn) deliver(f frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.done:
		return false
	}
}

// Send writes msg as a single line. Concurrent sends are serialized.
func (c *Conn) Send(ctx context.Context, msg domain.TaskMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return domain.ErrChannelClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("stdio: marshal %s: %w", msg.Kind, err)
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return domain.NewDomainError("stdio.Send", domain.ErrChannelClosed, err.Error())
	}
	return nil
}

// Recv returns the next message. A line that is not a task message yields an
// ErrProtocol error and the stream continues; io.EOF means the peer closed.
func (c *Conn) Recv(ctx context.Context) (domain.TaskMessage, error) {
	select {
	case <-c.done:
		return domain.TaskMessage{}, io.EOF
	default:
	}
	select {
	case <-ctx.Done():
		return domain.TaskMessage{}, ctx.Err()
	case <-c.done:
		return domain.TaskMessage{}, io.EOF
	case f, ok := <-c.frames:
		if !ok {
			return domain.TaskMessage{}, io.EOF
		}
		if f.err != nil {
			return domain.TaskMessage{}, f.err
		}
		var msg domain.TaskMessage
		if err := json.Unmarshal(f.data, &msg); err != nil {
			return domain.TaskMessage{}, domain.NewDomainError("stdio.Recv", domain.ErrProtocol, err.Error())
		}
		return msg, nil
	}
}

// Close stops reading and closes the underlying streams.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		var errs []error
		for _, cl := range c.closers {
			if err := cl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
