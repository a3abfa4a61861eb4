package mock

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// Listener wraps an in-memory bufconn so tests can dial the mock server
// without opening a network socket.
type Listener struct {
	sock *bufconn.Listener
}

// NewBufConn creates an in-memory listener for the mock server.
func NewBufConn() *Listener {
	return &Listener{
		sock: bufconn.Listen(1024 * 1024),
	}
}

// Connect dials the bufconn and returns a client connection to the mock.
func (l *Listener) Connect(ctx context.Context, opts ...grpc.DialOption) (cc *grpc.ClientConn, err error) {
	opts = append(opts, grpc.WithContextDialer(l.Dialer))
	if cc, err = grpc.DialContext(ctx, "bufnet", opts...); err != nil {
		return nil, err
	}
	return cc, nil
}

// Dialer implements the context dialer interface for grpc.WithContextDialer.
func (l *Listener) Dialer(ctx context.Context, _ string) (net.Conn, error) {
	return l.sock.DialContext(ctx)
}

// Close the listener, releasing the in-memory pipe.
func (l *Listener) Close() error {
	return l.sock.Close()
}
