package stream

import (
	"google.golang.org/protobuf/types/known/timestamppb"

	api "github.com/firewatchio/go-firewatch/api/v1beta1"
)

// WriteDelegate receives write stream lifecycle and response notifications.
// All callbacks arrive on the worker queue, in the order the underlying
// events occurred. After Stop the delegate hears nothing more.
type WriteDelegate interface {
	// OnWriteStreamOpen is invoked exactly once per successful start. The
	// handshake must complete before mutations may flow.
	OnWriteStreamOpen()

	// OnHandshakeComplete is invoked when the server acknowledges the
	// session; the stream now accepts mutations.
	OnHandshakeComplete()

	// OnWriteStreamResponse delivers the commit version and per-write
	// results for one previously written mutation batch.
	OnWriteStreamResponse(commitTime *timestamppb.Timestamp, results []*api.WriteResult)

	// OnWriteStreamClose is invoked when the stream closes for any reason
	// other than Stop. A nil error is a clean close.
	OnWriteStreamClose(err error)
}

// WriteStream is the client-push channel submitting batches of mutations.
// Each session opens with a handshake; thereafter every request echoes the
// stream token from the most recent response so the server can reason about
// session continuity. The token survives re-opens within the process but is
// deliberately never persisted.
type WriteStream struct {
	*Stream
	serializer api.Serializer
	database   string
	delegate   WriteDelegate

	handshakeComplete bool
	lastStreamToken   []byte
}

// NewWriteStream creates an unstarted write stream for the given database
// resource name. Ownership transfers to the caller.
func NewWriteStream(cfg Config, serializer api.Serializer, database string) *WriteStream {
	w := &WriteStream{
		serializer: serializer,
		database:   database,
	}
	w.Stream = newStream(cfg, api.WritePath, w)
	return w
}

// Start binds the delegate and drives the stream toward open. Every start
// begins a fresh session, so the handshake flag resets. The stream token is
// kept, but the handshake does not send it and the handshake response
// replaces it before any mutation is written.
func (w *WriteStream) Start(delegate WriteDelegate) {
	w.queue.VerifyIsCurrentQueue()
	w.handshakeComplete = false
	w.delegate = delegate
	w.Stream.start()
}

// HandshakeComplete reports whether the opening exchange has finished and
// mutations may be written.
func (w *WriteStream) HandshakeComplete() bool {
	w.queue.VerifyIsCurrentQueue()
	return w.handshakeComplete
}

// LastStreamToken returns the most recent stream token from the server.
func (w *WriteStream) LastStreamToken() []byte {
	w.queue.VerifyIsCurrentQueue()
	return w.lastStreamToken
}

// WriteHandshake opens the session by sending the database name and nothing
// else. Stream resumption via a previously held token is intentionally not
// used. The stream must be open and the handshake not yet complete.
func (w *WriteStream) WriteHandshake() (err error) {
	w.queue.VerifyIsCurrentQueue()
	if !w.IsOpen() {
		panic("cannot handshake when the write stream is not open")
	}
	if w.handshakeComplete {
		panic("handshake already completed")
	}

	req := &api.WriteRequest{Database: w.database}

	var data []byte
	if data, err = w.serializer.EncodeWriteRequest(req); err != nil {
		return err
	}

	w.writeRequest(data)
	return nil
}

// WriteMutations submits a batch of mutations along with the current stream
// token. The stream must be open and the handshake complete.
func (w *WriteStream) WriteMutations(mutations []*api.Mutation) (err error) {
	w.queue.VerifyIsCurrentQueue()
	if !w.IsOpen() {
		panic("cannot write mutations when the write stream is not open")
	}
	if !w.handshakeComplete {
		panic("cannot write mutations before the handshake completes")
	}

	req := &api.WriteRequest{
		Writes:      mutations,
		StreamToken: w.lastStreamToken,
	}

	var data []byte
	if data, err = w.serializer.EncodeWriteRequest(req); err != nil {
		return err
	}

	w.writeRequest(data)
	return nil
}

//===========================================================================
// handler implementation
//===========================================================================

func (w *WriteStream) onOpen() {
	if w.delegate != nil {
		w.delegate.OnWriteStreamOpen()
	}
}

func (w *WriteStream) onClose(err error) {
	delegate := w.delegate
	w.delegate = nil
	if delegate != nil {
		delegate.OnWriteStreamClose(err)
	}
}

func (w *WriteStream) dropDelegate() {
	w.delegate = nil
}

func (w *WriteStream) handleResponse(data []byte) (err error) {
	var rep *api.WriteResponse
	if rep, err = w.serializer.DecodeWriteResponse(data); err != nil {
		return err
	}

	// Every response refreshes the token, the handshake response included.
	w.lastStreamToken = rep.StreamToken

	if !w.handshakeComplete {
		w.handshakeComplete = true
		if w.delegate != nil {
			w.delegate.OnHandshakeComplete()
		}
		return nil
	}

	if w.delegate != nil {
		w.delegate.OnWriteStreamResponse(rep.CommitTime, rep.WriteResults)
	}
	return nil
}
