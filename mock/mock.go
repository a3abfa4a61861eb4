// Package mock implements an in-process Firestore gRPC server for testing
// code that uses the Firewatch client without a live backend. The server
// speaks raw byte frames through the same codec as the client; handler
// functions decode and encode JSON wire messages per RPC.
package mock

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	api "github.com/firewatchio/go-firewatch/api/v1beta1"
)

// RPC names used to track call counts on the mock.
const (
	ListenRPC   = "Listen"
	WriteRPC    = "Write"
	CommitRPC   = "Commit"
	BatchGetRPC = "BatchGetDocuments"
)

// Firestore is a mock Firestore service. Assign handler functions to script
// server behavior per test; unassigned RPCs return Unimplemented. Use Reset
// between tests to clear handlers and call counts.
type Firestore struct {
	OnListen   func(stream *RawStream) error
	OnWrite    func(stream *RawStream) error
	OnCommit   func(ctx context.Context, data []byte) ([]byte, error)
	OnBatchGet func(data []byte, stream *RawStream) error

	srv   *grpc.Server
	sock  *Listener
	Calls map[string]int
}

// New creates a mock Firestore server and starts serving on the listener.
func New(sock *Listener, opts ...grpc.ServerOption) *Firestore {
	s := &Firestore{
		sock:  sock,
		Calls: make(map[string]int),
	}

	opts = append(opts, grpc.ForceServerCodec(api.Codec{}))
	s.srv = grpc.NewServer(opts...)
	s.srv.RegisterService(s.serviceDesc(), s)

	go s.srv.Serve(sock.sock)
	return s
}

// Reset the handlers and call counts between tests.
func (s *Firestore) Reset() {
	s.OnListen = nil
	s.OnWrite = nil
	s.OnCommit = nil
	s.OnBatchGet = nil

	for key := range s.Calls {
		delete(s.Calls, key)
	}
}

// Shutdown stops the server, closing all open streams.
func (s *Firestore) Shutdown() {
	s.srv.Stop()
}

func (s *Firestore) serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: api.ServiceName,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: CommitRPC, Handler: s.commitHandler},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: ListenRPC, Handler: s.listenHandler, ServerStreams: true, ClientStreams: true},
			{StreamName: WriteRPC, Handler: s.writeHandler, ServerStreams: true, ClientStreams: true},
			{StreamName: BatchGetRPC, Handler: s.batchGetHandler, ServerStreams: true, ClientStreams: true},
		},
	}
}

func (s *Firestore) commitHandler(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	s.Calls[CommitRPC]++

	var data []byte
	if err := dec(&data); err != nil {
		return nil, err
	}

	if s.OnCommit == nil {
		return nil, status.Error(codes.Unimplemented, "no commit handler assigned to the mock")
	}
	return s.OnCommit(ctx, data)
}

func (s *Firestore) listenHandler(_ interface{}, stream grpc.ServerStream) error {
	s.Calls[ListenRPC]++
	if s.OnListen == nil {
		return status.Error(codes.Unimplemented, "no listen handler assigned to the mock")
	}
	return s.OnListen(&RawStream{ServerStream: stream})
}

func (s *Firestore) writeHandler(_ interface{}, stream grpc.ServerStream) error {
	s.Calls[WriteRPC]++
	if s.OnWrite == nil {
		return status.Error(codes.Unimplemented, "no write handler assigned to the mock")
	}
	return s.OnWrite(&RawStream{ServerStream: stream})
}

func (s *Firestore) batchGetHandler(_ interface{}, stream grpc.ServerStream) error {
	s.Calls[BatchGetRPC]++
	if s.OnBatchGet == nil {
		return status.Error(codes.Unimplemented, "no batch get handler assigned to the mock")
	}

	raw := &RawStream{ServerStream: stream}
	data, err := raw.Recv()
	if err != nil {
		return status.Error(codes.Aborted, "stream canceled before the batch get request arrived")
	}
	return s.OnBatchGet(data, raw)
}

// RawStream wraps a server stream with raw byte frame accessors. Sends are
// mutex guarded because scripted handlers push frames from a forwarding
// goroutine while the receive loop acks requests.
type RawStream struct {
	grpc.ServerStream
	mu sync.Mutex
}

// Send one raw frame to the client.
func (s *RawStream) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SendMsg(data)
}

// Recv blocks for the next raw frame from the client.
func (s *RawStream) Recv() (data []byte, err error) {
	if err = s.RecvMsg(&data); err != nil {
		return nil, err
	}
	return data, nil
}
