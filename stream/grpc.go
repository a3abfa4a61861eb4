package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	api "github.com/firewatchio/go-firewatch/api/v1beta1"
	"github.com/firewatchio/go-firewatch/auth"
)

// GRPCTransport implements Transport over a gRPC client connection. Frames
// pass through the raw codec untouched; the caller is responsible for
// serialization on both sides. Bearer tokens are attached per RPC through
// auth.PerRPCToken, never baked into the connection, because each stream
// attempt authenticates with whatever token is current at the time.
type GRPCTransport struct {
	cc       *grpc.ClientConn
	insecure bool
}

var _ Transport = &GRPCTransport{}

// NewGRPCTransport wraps an established client connection. The transport does
// not own the connection and never closes it.
func NewGRPCTransport(cc *grpc.ClientConn) *GRPCTransport {
	return &GRPCTransport{cc: cc}
}

// NewInsecureGRPCTransport wraps a connection without transport security,
// e.g. to an emulator or an in-memory bufconn, and marks the per-RPC
// credentials accordingly so gRPC does not reject them.
func NewInsecureGRPCTransport(cc *grpc.ClientConn) *GRPCTransport {
	return &GRPCTransport{cc: cc, insecure: true}
}

var bidiStreamDesc = &grpc.StreamDesc{
	ClientStreams: true,
	ServerStreams: true,
}

func (t *GRPCTransport) CreateRpc(path string, requests *BufferedWriter) Rpc {
	return &grpcRpc{cc: t.cc, path: path, requests: requests, insecure: t.insecure}
}

// Invoke executes a unary RPC with the given headers and bearer token.
func (t *GRPCTransport) Invoke(ctx context.Context, path string, req []byte, headers metadata.MD, token string) (rep []byte, err error) {
	if len(headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, headers.Copy())
	}
	if err = t.cc.Invoke(ctx, path, req, &rep, callOptions(token, t.insecure)...); err != nil {
		return nil, err
	}
	return rep, nil
}

// callOptions builds the per-call options for one RPC: the raw codec plus,
// when a token is available, per-RPC credentials carrying it. Empty tokens
// attach no credentials at all so emulator connections stay anonymous.
func callOptions(token string, insecure bool) []grpc.CallOption {
	opts := []grpc.CallOption{grpc.ForceCodec(api.Codec{})}
	if token != "" {
		opts = append(opts, auth.PerRPCToken(token, insecure))
	}
	return opts
}

// grpcRpc adapts a single gRPC client stream to the Rpc contract. Start spins
// up a sender goroutine draining the request writer and a receiver goroutine
// delivering frames to the callback target.
type grpcRpc struct {
	cc       *grpc.ClientConn
	path     string
	requests *BufferedWriter
	headers  metadata.MD
	token    string
	insecure bool

	mu        sync.Mutex
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	finishErr error
}

var _ Rpc = &grpcRpc{}

func (r *grpcRpc) SetRequestHeaders(md metadata.MD) {
	r.headers = md
}

func (r *grpcRpc) SetOAuthToken(token string) {
	r.token = token
}

func (r *grpcRpc) Start(target Target) {
	ctx, cancel := context.WithCancel(context.Background())
	if len(r.headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, r.headers.Copy())
	}

	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	go r.run(ctx, target)
}

// FinishWithError tears the RPC down. The recorded error, if any, is what the
// callback target observes as the close cause instead of the cancellation
// status the teardown produces.
func (r *grpcRpc) FinishWithError(err error) {
	r.mu.Lock()
	r.finishErr = err
	cancel := r.cancel
	r.mu.Unlock()

	r.requests.Finish(nil)
	if cancel != nil {
		cancel()
	}
}

// ResponseHeaders returns the server's header metadata, or nil if the call
// has not been established yet or failed before headers arrived. Once the
// call is established it waits for the headers, which precede the first
// inbound frame.
func (r *grpcRpc) ResponseHeaders() metadata.MD {
	r.mu.Lock()
	stream := r.stream
	r.mu.Unlock()

	if stream == nil {
		return nil
	}

	md, err := stream.Header()
	if err != nil {
		return nil
	}
	return md
}

func (r *grpcRpc) run(ctx context.Context, target Target) {
	stream, err := r.cc.NewStream(ctx, bidiStreamDesc, r.path, callOptions(r.token, r.insecure)...)
	if err != nil {
		r.mu.Lock()
		cancel := r.cancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		target.WritesFinishedWithError(err)
		return
	}

	r.mu.Lock()
	r.stream = stream
	r.mu.Unlock()

	go r.sender(stream)
	r.receiver(ctx, stream, target)
}

// sender drains the request writer into the stream, half-closing when the
// writer finishes cleanly. Send errors are not reported here; the receiver
// observes the authoritative stream status.
func (r *grpcRpc) sender(stream grpc.ClientStream) {
	for {
		data, ok := r.requests.Next()
		if !ok {
			if r.requests.Err() == nil {
				stream.CloseSend()
			}
			return
		}
		if err := stream.SendMsg(data); err != nil {
			return
		}
	}
}

func (r *grpcRpc) receiver(ctx context.Context, stream grpc.ClientStream, target Target) {
	for {
		var data []byte
		if err := stream.RecvMsg(&data); err != nil {
			// Unblock the sender goroutine if it is still waiting on frames.
			r.requests.Finish(nil)

			if errors.Is(err, io.EOF) {
				err = nil
			}

			r.mu.Lock()
			if r.finishErr != nil {
				err = r.finishErr
			}
			cancel := r.cancel
			r.mu.Unlock()

			if cancel != nil {
				cancel()
			}

			target.WritesFinishedWithError(err)
			return
		}

		target.WriteValue(data)
	}
}
