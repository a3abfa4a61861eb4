package stream

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// Target receives transport callbacks for a single RPC: one WriteValue per
// inbound frame and exactly one WritesFinishedWithError when the RPC ends.
// Callbacks arrive on arbitrary goroutines; implementations must marshal
// themselves onto the worker queue before touching stream state.
type Target interface {
	WriteValue(data []byte)
	WritesFinishedWithError(err error)
}

// Rpc is a handle to a single streaming call. Headers and the bearer token
// must be installed before Start; response headers become readable once the
// first frame has arrived.
type Rpc interface {
	Start(target Target)
	FinishWithError(err error)
	SetRequestHeaders(md metadata.MD)
	SetOAuthToken(token string)
	ResponseHeaders() metadata.MD
}

// Transport produces RPC handles for a host. The production implementation
// wraps a gRPC client connection; tests substitute in-memory fakes.
type Transport interface {
	// CreateRpc returns an unstarted handle for the streaming RPC at path.
	// The transport drains outbound frames from the request writer once the
	// handle is started.
	CreateRpc(path string, requests *BufferedWriter) Rpc

	// Invoke executes a unary RPC, returning the raw response frame.
	Invoke(ctx context.Context, path string, req []byte, headers metadata.MD, token string) ([]byte, error)
}
