package mock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	api "github.com/firewatchio/go-firewatch/api/v1beta1"
)

// WriteHandler assists in testing write streams by breaking the session into
// its handshake and mutation phases. The default handler acknowledges the
// handshake with a fresh stream token and commits every batch with the
// current time; assign OnHandshake or OnWrites to script other behavior.
type WriteHandler struct {
	OnHandshake func(req *api.WriteRequest) (*api.WriteResponse, error)
	OnWrites    func(req *api.WriteRequest) (*api.WriteResponse, error)

	session uint64
}

// NewWriteHandler returns a write handler with acknowledging defaults.
func NewWriteHandler() *WriteHandler {
	h := &WriteHandler{}

	h.OnHandshake = func(req *api.WriteRequest) (*api.WriteResponse, error) {
		return &api.WriteResponse{
			StreamID:    "mock",
			StreamToken: h.nextToken(),
		}, nil
	}

	h.OnWrites = func(req *api.WriteRequest) (*api.WriteResponse, error) {
		rep := &api.WriteResponse{
			StreamID:    "mock",
			StreamToken: h.nextToken(),
			CommitTime:  timestamppb.Now(),
		}
		for range req.Writes {
			rep.WriteResults = append(rep.WriteResults, &api.WriteResult{UpdateTime: timestamppb.Now()})
		}
		return rep, nil
	}

	return h
}

// OnWrite should be assigned to the mock as its write stream handler.
func (h *WriteHandler) OnWrite(stream *RawStream) (err error) {
	// The first message must be the handshake: a request naming the database
	// and carrying no writes.
	var req *api.WriteRequest
	if req, err = recvWriteRequest(stream); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return status.Error(codes.Aborted, "stream canceled before the handshake arrived")
	}

	if req.Database == "" || len(req.Writes) > 0 {
		return status.Error(codes.FailedPrecondition, "expected a handshake to initialize the stream")
	}

	var rep *api.WriteResponse
	if rep, err = h.OnHandshake(req); err != nil {
		return err
	}
	if err = sendWriteResponse(stream, rep); err != nil {
		return status.Error(codes.Canceled, "could not send handshake response")
	}

	// Receive mutation batches until the client half-closes.
	for {
		if req, err = recvWriteRequest(stream); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return status.Error(codes.Aborted, "write stream aborted")
		}

		if rep, err = h.OnWrites(req); err != nil {
			return err
		}
		if err = sendWriteResponse(stream, rep); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return status.Error(codes.Canceled, "could not send write response")
		}
	}
}

func (h *WriteHandler) nextToken() []byte {
	h.session++
	return []byte(fmt.Sprintf("stream-token-%04d", h.session))
}

// ListenHandler assists in testing watch streams. Requests from the client
// are acknowledged with target changes by default; responses pushed into the
// Send channel are forwarded to the client as they arrive, so a test can
// script document changes at any point in the stream's life.
type ListenHandler struct {
	OnRequest func(req *api.ListenRequest) (*api.ListenResponse, error)
	Send      chan<- *api.ListenResponse

	changes <-chan *api.ListenResponse
}

// NewListenHandler returns a listen handler that acks target adds and
// removes with the matching target change.
func NewListenHandler() *ListenHandler {
	changes := make(chan *api.ListenResponse, 64)
	h := &ListenHandler{
		Send:    changes,
		changes: changes,
	}

	h.OnRequest = func(req *api.ListenRequest) (*api.ListenResponse, error) {
		change := &api.TargetChange{ResumeToken: []byte("mock-resume")}
		switch {
		case req.AddTarget != nil:
			change.Type = api.TargetChangeAdd
			change.TargetIDs = []int32{req.AddTarget.TargetID}
		case req.RemoveTarget != 0:
			change.Type = api.TargetChangeRemove
			change.TargetIDs = []int32{req.RemoveTarget}
		default:
			return nil, status.Error(codes.InvalidArgument, "listen request must add or remove a target")
		}
		return &api.ListenResponse{TargetChange: change}, nil
	}

	return h
}

// OnListen should be assigned to the mock as its listen stream handler.
func (h *ListenHandler) OnListen(stream *RawStream) (err error) {
	done := make(chan struct{})
	defer close(done)

	// Forward scripted changes to the client until the handler returns.
	go func() {
		for {
			select {
			case change, ok := <-h.changes:
				if !ok {
					return
				}
				if err := sendListenResponse(stream, change); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		var req *api.ListenRequest
		if req, err = recvListenRequest(stream); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return status.Error(codes.Aborted, "listen stream aborted")
		}

		if h.OnRequest != nil {
			var rep *api.ListenResponse
			if rep, err = h.OnRequest(req); err != nil {
				return err
			}
			if rep != nil {
				if err = sendListenResponse(stream, rep); err != nil {
					return status.Error(codes.Canceled, "could not send listen response")
				}
			}
		}
	}
}

// Shutdown closes the Send channel; pending changes are still delivered.
func (h *ListenHandler) Shutdown() {
	close(h.Send)
}

//===========================================================================
// Wire helpers
//===========================================================================

func recvWriteRequest(stream *RawStream) (req *api.WriteRequest, err error) {
	var data []byte
	if data, err = stream.Recv(); err != nil {
		return nil, err
	}

	req = &api.WriteRequest{}
	if err = json.Unmarshal(data, req); err != nil {
		return nil, status.Error(codes.InvalidArgument, "could not decode write request")
	}
	return req, nil
}

func sendWriteResponse(stream *RawStream, rep *api.WriteResponse) (err error) {
	var data []byte
	if data, err = json.Marshal(rep); err != nil {
		return err
	}
	return stream.Send(data)
}

func recvListenRequest(stream *RawStream) (req *api.ListenRequest, err error) {
	var data []byte
	if data, err = stream.Recv(); err != nil {
		return nil, err
	}

	req = &api.ListenRequest{}
	if err = json.Unmarshal(data, req); err != nil {
		return nil, status.Error(codes.InvalidArgument, "could not decode listen request")
	}
	return req, nil
}

func sendListenResponse(stream *RawStream, rep *api.ListenResponse) (err error) {
	var data []byte
	if data, err = json.Marshal(rep); err != nil {
		return err
	}
	return stream.Send(data)
}
