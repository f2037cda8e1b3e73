// Package ws carries task messages over a WebSocket, one JSON message per
// text frame. The worker side serves /worker; the controller side dials it.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"llmshell/internal/domain"
)

// Path is the HTTP path the worker endpoint is mounted on.
const Path = "/worker"

// Conn is a domain.TaskPort over a WebSocket connection. Cancelling the
// context passed to Recv closes the connection, as with any websocket read.
type Conn struct {
	ws *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

var _ domain.TaskPort = (*Conn)(nil)

func newConn(ws *websocket.Conn, maxMessageBytes int64) *Conn {
	if maxMessageBytes > 0 {
		ws.SetReadLimit(maxMessageBytes)
	}
	return &Conn{ws: ws, closed: make(chan struct{})}
}

// Send writes msg as a text frame.
func (c *Conn) Send(ctx context.Context, msg domain.TaskMessage) error {
	select {
	case <-c.closed:
		return domain.ErrChannelClosed
	default:
	}
	if err := wsjson.Write(ctx, c.ws, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewDomainError("ws.Send", domain.ErrChannelClosed, err.Error())
	}
	return nil
}

// Recv reads the next message. A normal close from the peer is io.EOF.
func (c *Conn) Recv(ctx context.Context) (domain.TaskMessage, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		select {
		case <-c.closed:
			return domain.TaskMessage{}, io.EOF
		default:
		}
		if ctx.Err() != nil {
			return domain.TaskMessage{}, ctx.Err()
		}
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return domain.TaskMessage{}, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return domain.TaskMessage{}, io.EOF
		}
		return domain.TaskMessage{}, domain.NewDomainError("ws.Recv", domain.ErrChannelClosed, err.Error())
	}
	if typ != websocket.MessageText {
		return domain.TaskMessage{}, domain.NewDomainError("ws.Recv", domain.ErrProtocol, "binary frame")
	}
	var msg domain.TaskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.TaskMessage{}, domain.NewDomainError("ws.Recv", domain.ErrProtocol, err.Error())
	}
	return msg, nil
}

// Close sends a normal closure.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close(websocket.StatusNormalClosure, "")
		// The peer may have closed first.
		if errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
			err = nil
		}
	})
	return err
}

// DialOptions configures Dial.
type DialOptions struct {
	Token           string
	MaxMessageBytes int64
	HTTPClient      *http.Client
}

// Dial connects to a worker. addr may be a full ws:// or wss:// URL or a bare
// host:port, in which case Path is appended.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Conn, error) {
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	ws, resp, err := websocket.Dial(ctx, WorkerURL(addr), &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusTooManyRequests:
				return nil, domain.NewDomainError("ws.Dial", domain.ErrTransportHandshake, resp.Status)
			}
		}
		return nil, domain.NewDomainError("ws.Dial", domain.ErrBackendUnavailable, err.Error())
	}
	return newConn(ws, opts.MaxMessageBytes), nil
}

// WorkerURL normalizes addr to a websocket URL for the worker endpoint.
func WorkerURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return addr
	case strings.HasPrefix(addr, "http://"):
		return "ws://" + strings.TrimPrefix(addr, "http://")
	case strings.HasPrefix(addr, "https://"):
		return "wss://" + strings.TrimPrefix(addr, "https://")
	}
	return "ws://" + addr + Path
}
