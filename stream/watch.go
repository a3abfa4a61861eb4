package stream

import (
	"google.golang.org/protobuf/types/known/timestamppb"

	api "github.com/firewatchio/go-firewatch/api/v1beta1"
)

// WatchDelegate receives watch stream lifecycle and change notifications.
// All callbacks arrive on the worker queue, in the order the underlying
// events occurred. After Stop the delegate hears nothing more.
type WatchDelegate interface {
	// OnWatchStreamOpen is invoked exactly once per successful start, when
	// the stream is ready to accept watch requests.
	OnWatchStreamOpen()

	// OnWatchStreamChange delivers one decoded change frame together with
	// the global snapshot version it establishes, or nil if the frame does
	// not advance the global snapshot.
	OnWatchStreamChange(change *api.ListenResponse, snapshot *timestamppb.Timestamp)

	// OnWatchStreamClose is invoked when the stream closes for any reason
	// other than Stop. A nil error is a clean close; otherwise the delegate
	// decides whether to Start again (which applies backoff) or give up.
	OnWatchStreamClose(err error)
}

// WatchStream is the server-push channel delivering document change
// notifications for subscribed query targets. Targets are added and removed
// individually while the stream is open; the server multiplexes all of them
// over the one RPC.
type WatchStream struct {
	*Stream
	serializer api.Serializer
	database   string
	delegate   WatchDelegate
}

// NewWatchStream creates an unstarted watch stream for the given database
// resource name. Ownership transfers to the caller; the datastore that
// created it keeps no reference.
func NewWatchStream(cfg Config, serializer api.Serializer, database string) *WatchStream {
	w := &WatchStream{
		serializer: serializer,
		database:   database,
	}
	w.Stream = newStream(cfg, api.ListenPath, w)
	return w
}

// Start binds the delegate and drives the stream toward open. Called in the
// error state it schedules a retry through the backoff controller instead.
func (w *WatchStream) Start(delegate WatchDelegate) {
	w.queue.VerifyIsCurrentQueue()
	w.delegate = delegate
	w.Stream.start()
}

// Watch subscribes a target. The stream must be open.
func (w *WatchStream) Watch(target *api.Target, labels map[string]string) (err error) {
	w.queue.VerifyIsCurrentQueue()
	if !w.IsOpen() {
		panic("cannot watch a target when the stream is not open")
	}

	req := &api.ListenRequest{
		Database:  w.database,
		AddTarget: target,
		Labels:    labels,
	}

	var data []byte
	if data, err = w.serializer.EncodeListenRequest(req); err != nil {
		return err
	}

	w.writeRequest(data)
	return nil
}

// Unwatch unsubscribes a target by id. The stream must be open.
func (w *WatchStream) Unwatch(targetID int32) (err error) {
	w.queue.VerifyIsCurrentQueue()
	if !w.IsOpen() {
		panic("cannot unwatch a target when the stream is not open")
	}

	req := &api.ListenRequest{
		Database:     w.database,
		RemoveTarget: targetID,
	}

	var data []byte
	if data, err = w.serializer.EncodeListenRequest(req); err != nil {
		return err
	}

	w.writeRequest(data)
	return nil
}

//===========================================================================
// handler implementation
//===========================================================================

func (w *WatchStream) onOpen() {
	if w.delegate != nil {
		w.delegate.OnWatchStreamOpen()
	}
}

func (w *WatchStream) onClose(err error) {
	// Clear the delegate before the callback so a delegate that restarts the
	// stream from inside OnWatchStreamClose binds itself cleanly.
	delegate := w.delegate
	w.delegate = nil
	if delegate != nil {
		delegate.OnWatchStreamClose(err)
	}
}

func (w *WatchStream) dropDelegate() {
	w.delegate = nil
}

func (w *WatchStream) handleResponse(data []byte) (err error) {
	var rep *api.ListenResponse
	if rep, err = w.serializer.DecodeListenResponse(data); err != nil {
		return err
	}

	if w.delegate != nil {
		w.delegate.OnWatchStreamChange(rep, rep.SnapshotVersion())
	}
	return nil
}
