package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"tetra3d/internal/pb"
)

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 20 * time.Second
	backoffFactor  = 1.5
	probeTimeout   = 2 * time.Second
)

// Client is a connected Tetra3 client. The embedded stub speaks the JSON
// content subtype on every call.
type Client struct {
	pb.Tetra3Client
	conn *grpc.ClientConn
}

// Option adjusts the dial options.
type Option func(*[]grpc.DialOption)

// WithDialOptions appends raw gRPC dial options, e.g. a context dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *[]grpc.DialOption) { *o = append(*o, opts...) }
}

// Dial connects to a Tetra3 server at host:port or unix:///path and waits
// until its health service reports SERVING. The server may still be loading
// its pattern database, so failed probes are retried with growing pauses
// until the pause would exceed 20s or ctx is done.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(16*1024*1024),
			grpc.MaxCallSendMsgSize(16*1024*1024),
		),
	}
	for _, opt := range opts {
		opt(&dialOpts)
	}

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}

	health := healthpb.NewHealthClient(conn)
	backoff := initialBackoff
	for {
		err = probe(ctx, health)
		if err == nil {
			return &Client{Tetra3Client: pb.NewTetra3Client(conn), conn: conn}, nil
		}
		if backoff > maxBackoff {
			conn.Close()
			return nil, fmt.Errorf("error connecting to tetra3 server at %s: %w", addr, err)
		}
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, fmt.Errorf("error connecting to tetra3 server at %s: %w", addr, context.Cause(ctx))
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * backoffFactor)
	}
}

func probe(ctx context.Context, health healthpb.HealthClient) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: pb.Tetra3_ServiceDesc.ServiceName})
	if err != nil {
		return err
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service is %s", resp.Status)
	}
	return nil
}

// Conn exposes the underlying connection.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

func (c *Client) Close() error {
	return c.conn.Close()
}
