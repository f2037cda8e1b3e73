package grpctransport

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"llmshell/internal/domain"
)

// stream is the part of either end of the Channel stream that Conn needs.
type stream interface {
	Send(*domain.TaskMessage) error
	Recv() (*domain.TaskMessage, error)
}

type frame struct {
	msg *domain.TaskMessage
	err error
}

// Conn is a domain.TaskPort over one Channel stream.
type Conn struct {
	s       stream
	onClose func() error
	name    string

	wmu    sync.Mutex
	frames chan frame
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

var _ domain.TaskPort = (*Conn)(nil)

func newConn(s stream, onClose func() error) *Conn {
	c := &Conn{
		s:       s,
		onClose: onClose,
		frames:  make(chan frame, 16),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// WorkerName is the name the worker announced in its stream headers. Empty on
// the worker side.
func (c *Conn) WorkerName() string { return c.name }

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		msg, err := c.s.Recv()
		if err != nil {
			select {
			case c.frames <- frame{err: err}:
			case <-c.done:
			}
			return
		}
		select {
		case c.frames <- frame{msg: msg}:
		case <-c.done:
			return
		}
	}
}

// Send writes msg to the stream. gRPC streams allow one sender at a time.
func (c *Conn) Send(ctx context.Context, msg domain.TaskMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return domain.ErrChannelClosed
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.s.Send(&msg); err != nil {
		return domain.NewDomainError("grpc.Send", domain.ErrChannelClosed, err.Error())
	}
	return nil
}

// Recv returns the next message. The peer ending the stream is io.EOF.
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
			return domain.TaskMessage{}, mapStreamError("grpc.Recv", f.err)
		}
		return *f.msg, nil
	}
}

// Close ends the stream from this side.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.closeErr = c.onClose()
		}
	})
	return c.closeErr
}

func mapStreamError(op string, err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	st, ok := status.FromError(err)
	if !ok {
		return domain.NewDomainError(op, domain.ErrChannelClosed, err.Error())
	}
	switch st.Code() {
	case codes.Canceled:
		return io.EOF
	case codes.Unauthenticated, codes.PermissionDenied, codes.ResourceExhausted:
		return domain.NewDomainError(op, domain.ErrTransportHandshake, st.Message())
	}
	return domain.NewDomainError(op, domain.ErrChannelClosed, st.Code().String()+": "+st.Message())
}
