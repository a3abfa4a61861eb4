package stream

import "sync/atomic"

// callbackFilter sits between the transport and the stream. The transport
// retains it for the life of the RPC and may invoke it from any goroutine;
// the stream disables it before letting go of a closing RPC. Once disabled,
// late transport callbacks are dropped on the floor, which is what guarantees
// the delegate hears nothing after Stop.
type callbackFilter struct {
	passthrough atomic.Bool
	stream      *Stream
}

var _ Target = &callbackFilter{}

func newCallbackFilter(s *Stream) *callbackFilter {
	f := &callbackFilter{stream: s}
	f.passthrough.Store(true)
	return f
}

// disable stops all further callbacks. Must be called before the stream
// releases its reference to the filter.
func (f *callbackFilter) disable() {
	f.passthrough.Store(false)
}

// WriteValue bounces an inbound frame onto the worker queue. The enqueue is
// same-queue tolerant because a transport may complete synchronously from a
// task already running on the queue.
func (f *callbackFilter) WriteValue(data []byte) {
	if !f.passthrough.Load() {
		return
	}
	s := f.stream
	s.queue.AsyncAllowingSameQueue(func() {
		if !f.passthrough.Load() {
			return
		}
		s.handleStreamData(data)
	})
}

// WritesFinishedWithError bounces the stream-closed event onto the worker
// queue. A nil error means the server closed the stream cleanly.
func (f *callbackFilter) WritesFinishedWithError(err error) {
	if !f.passthrough.Load() {
		return
	}
	s := f.stream
	s.queue.AsyncAllowingSameQueue(func() {
		if !f.passthrough.Load() {
			return
		}
		s.handleStreamClose(err)
	})
}
