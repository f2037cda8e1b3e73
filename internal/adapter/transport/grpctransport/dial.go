package grpctransport

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"llmshell/internal/domain"
)

// DialOptions configures Dial.
type DialOptions struct {
	Token           string
	MaxMessageBytes int64
}

// Dial opens a Channel stream to the worker at addr (host:port). It waits for
// the worker's stream headers so a refused connection is reported here rather
// than on the first call.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Conn, error) {
	callOpts := []grpc.CallOption{grpc.CallContentSubtype(codecName)}
	if opts.MaxMessageBytes > 0 {
		callOpts = append(callOpts, grpc.MaxCallRecvMsgSize(int(opts.MaxMessageBytes)))
	}
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(callOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc connect %s: %w", addr, err)
	}

	// The stream outlives ctx; Close cancels it.
	streamCtx, cancel := context.WithCancel(context.Background())
	if opts.Token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, authorizationMeta, "Bearer "+opts.Token)
	}
	closeAll := func() error {
		cancel()
		return cc.Close()
	}

	type opened struct {
		stream WorkerService_ChannelClient
		name   string
		err    error
	}
	result := make(chan opened, 1)
	go func() {
		stream, err := NewWorkerServiceClient(cc).Channel(streamCtx)
		if err != nil {
			result <- opened{err: err}
			return
		}
		md, err := stream.Header()
		if err != nil {
			result <- opened{err: err}
			return
		}
		if names := md.Get(workerNameHeader); len(names) > 0 {
			result <- opened{stream: stream, name: names[0]}
			return
		}
		// Trailers-only response: the server refused the stream.
		_, err = stream.Recv()
		if err == nil {
			err = errors.New("worker sent no stream headers")
		}
		result <- opened{err: err}
	}()

	var o opened
	select {
	case o = <-result:
	case <-ctx.Done():
		closeAll()
		return nil, domain.NewDomainError("grpc.Dial", domain.ErrBackendUnavailable, ctx.Err().Error())
	}
	if o.err != nil {
		closeAll()
		mapped := mapStreamError("grpc.Dial", o.err)
		if errors.Is(mapped, domain.ErrTransportHandshake) {
			return nil, mapped
		}
		return nil, domain.NewDomainError("grpc.Dial", domain.ErrBackendUnavailable, o.err.Error())
	}

	c := newConn(o.stream, func() error {
		o.stream.CloseSend()
		return closeAll()
	})
	c.name = o.name
	return c, nil
}
