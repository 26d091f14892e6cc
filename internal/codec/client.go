// Package codec carries checkpoints to a remote checkpoint service over gRPC.
// Messages are google.protobuf.Struct payloads built by checkpoint.ToStruct.
package codec

import (
	"context"
	"fmt"
	"time"

	"github.com/danielpatrickdp/earlystop/internal/checkpoint"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// DefaultTimeout bounds a single Put when the caller does not choose one.
const DefaultTimeout = 30 * time.Second

const (
	maxRetries   = 2 // 3 total attempts
	retryBackoff = 200 * time.Millisecond
)

// #region client-struct
// Client sends checkpoints to a remote CheckpointService. It implements
// checkpoint.Sink.
type Client struct {
	conn    *grpc.ClientConn
	cc      grpc.ClientConnInterface
	timeout time.Duration
}

// #endregion client-struct

// #region constructor
// NewClient connects to the checkpoint service at addr.
func NewClient(addr string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	c := NewClientWithConn(conn, timeout)
	c.conn = conn
	return c, nil
}

// NewClientWithConn wraps an existing connection. Close does not close cc.
func NewClientWithConn(cc grpc.ClientConnInterface, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{cc: cc, timeout: timeout}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection if the client owns it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region save
// Save sends rec to the service. Unavailable errors are retried up to
// maxRetries times with a linear backoff; anything else fails at once.
func (c *Client) Save(ctx context.Context, rec checkpoint.Record) error {
	req, err := checkpoint.ToStruct(rec)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		err = c.cc.Invoke(ctx, saveMethod, req, new(emptypb.Empty))
		if err == nil {
			return nil
		}
		if status.Code(err) != codes.Unavailable || attempt >= maxRetries {
			return fmt.Errorf("save checkpoint rpc: %w", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("save checkpoint rpc: %w", ctx.Err())
		case <-time.After(time.Duration(attempt+1) * retryBackoff):
		}
	}
}

// Put implements checkpoint.Sink with the client's timeout.
func (c *Client) Put(rec checkpoint.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.Save(ctx, rec)
}

// #endregion save
