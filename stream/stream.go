/*
Package stream manages the long-lived Firestore streaming RPCs: the watch
stream that delivers document change notifications and the write stream that
submits mutations. Both are specializations of a common base that owns the
RPC lifetime, authenticates each attempt, applies exponential backoff between
failed attempts, and proactively closes streams that have gone idle.

Every state transition and every delegate callback runs on a single worker
queue; transport and credential callbacks arriving on foreign goroutines are
bounced onto it before they touch stream state.
*/
package stream

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/firewatchio/go-firewatch/auth"
	"github.com/firewatchio/go-firewatch/dispatch"
)

// DefaultIdleTimeout is how long an open stream with no activity is kept
// before it is closed cleanly so the transport can release its resources.
const DefaultIdleTimeout = 60 * time.Second

// State enumerates the stream lifecycle. Streams begin Initial and end
// Stopped; Stopped is terminal until the stream is reconstructed.
type State int32

const (
	StateInitial State = iota
	StateAuth
	StateBackoff
	StateOpen
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateAuth:
		return "auth"
	case StateBackoff:
		return "backoff"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Response headers worth logging when the first frame of a stream arrives.
// Everything else the server sends back is noise.
var whitelistedResponseHeaders = []string{
	"date",
	"x-google-backends",
	"x-google-netmon-label",
	"x-google-service",
	"x-google-gfe-request-trace",
}

// Config collects the collaborators a stream needs. Queue, Transport, and
// Credentials are required; the rest default sensibly.
type Config struct {
	Queue       *dispatch.Queue
	Transport   Transport
	Credentials auth.TokenProvider
	Headers     metadata.MD
	Log         zerolog.Logger
	IdleTimeout time.Duration
	Backoff     *Backoff
}

// handler is the seam between the generic stream base and its two concrete
// specializations. The base never constructs requests or interprets frames;
// it hands both jobs to the handler.
type handler interface {
	// onOpen notifies the delegate that the stream is open.
	onOpen()

	// onClose clears the bound delegate and notifies it of the close. Never
	// invoked on the Stop path; after Stop the delegate hears nothing.
	onClose(err error)

	// dropDelegate clears the bound delegate without notifying it.
	dropDelegate()

	// handleResponse parses and dispatches one inbound frame. A returned
	// error is treated as a protocol violation and tears the stream down.
	handleResponse(data []byte) error
}

// Stream is the generic base for the watch and write streams. All methods
// must be called on the worker queue.
type Stream struct {
	queue       *dispatch.Queue
	transport   Transport
	creds       auth.TokenProvider
	backoff     *Backoff
	log         zerolog.Logger
	path        string
	headers     metadata.MD
	idleTimeout time.Duration
	handler     handler

	state           State
	rpc             Rpc
	writer          *BufferedWriter
	filter          *callbackFilter
	idle            bool
	idleTask        *dispatch.DelayedTask
	messageReceived bool
}

func newStream(cfg Config, path string, handler handler) *Stream {
	s := &Stream{
		queue:       cfg.Queue,
		transport:   cfg.Transport,
		creds:       cfg.Credentials,
		backoff:     cfg.Backoff,
		log:         cfg.Log.With().Str("rpc", path).Logger(),
		path:        path,
		headers:     cfg.Headers,
		idleTimeout: cfg.IdleTimeout,
		handler:     handler,
		state:       StateInitial,
	}

	if s.backoff == nil {
		s.backoff = NewBackoff(cfg.Queue)
	}
	if s.idleTimeout == 0 {
		s.idleTimeout = DefaultIdleTimeout
	}
	return s
}

// IsStarted reports whether the stream has been started and not yet stopped
// or failed: it is authenticating, backing off toward a retry, or open.
func (s *Stream) IsStarted() bool {
	s.queue.VerifyIsCurrentQueue()
	return s.state == StateBackoff || s.state == StateAuth || s.state == StateOpen
}

// IsOpen reports whether the stream is open and accepting requests.
func (s *Stream) IsOpen() bool {
	s.queue.VerifyIsCurrentQueue()
	return s.state == StateOpen
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.queue.VerifyIsCurrentQueue()
	return s.state
}

// Backoff exposes the stream's backoff controller, primarily for inspection
// in tests and diagnostics.
func (s *Stream) Backoff() *Backoff {
	return s.backoff
}

// start drives the stream toward Open. From Initial it authenticates and
// opens the RPC; from Error it schedules a retry through the backoff
// controller first. The concrete streams bind their delegate before calling.
func (s *Stream) start() {
	s.queue.VerifyIsCurrentQueue()

	if s.state == StateError {
		s.state = StateBackoff
		s.backoff.RunAfterDelay(func() {
			// The stream may have been stopped while the retry was pending.
			if s.state != StateBackoff {
				return
			}
			s.state = StateInitial
			s.start()
		})
		return
	}

	if s.state != StateInitial {
		panic("stream can only be started from the initial state")
	}

	s.log.Debug().Msg("stream starting")
	s.state = StateAuth

	// Token acquisition may block on the network; fetch it off the queue and
	// bounce the result back.
	go func() {
		token, err := s.creds.GetToken(context.Background())
		s.queue.AsyncAllowingSameQueue(func() {
			s.resumeStart(token, err)
		})
	}()
}

// resumeStart completes the start sequence once a token is available.
func (s *Stream) resumeStart(token *auth.Token, err error) {
	s.queue.VerifyIsCurrentQueue()

	// The stream was stopped while the token request was in flight; there is
	// nothing to resume and nobody listening.
	if s.state == StateStopped {
		return
	}

	if s.state != StateAuth {
		panic("state should still be auth, or stopped")
	}

	if err != nil {
		s.log.Debug().Err(err).Msg("could not acquire credentials for stream")
		s.close(StateError, normalizeError(err))
		return
	}

	s.writer = NewBufferedWriter()
	s.rpc = s.transport.CreateRpc(s.path, s.writer)
	s.rpc.SetRequestHeaders(s.headers)
	if token != nil && token.AccessToken != "" {
		s.rpc.SetOAuthToken(token.AccessToken)
	}

	s.filter = newCallbackFilter(s)
	s.rpc.Start(s.filter)

	s.state = StateOpen
	s.log.Debug().Msg("stream open")
	s.handler.onOpen()
}

// Stop tears the stream down. After Stop returns to the worker queue the
// delegate receives no further callbacks of any kind, even if the transport
// later delivers more events for this RPC.
func (s *Stream) Stop() {
	s.queue.VerifyIsCurrentQueue()

	switch s.state {
	case StateStopped:
		return
	case StateInitial:
		s.state = StateStopped
	default:
		s.close(StateStopped, nil)
	}
}

// MarkIdle flags the stream as having no outstanding work and arms the idle
// timer. If no request is written before the timer fires, the stream closes
// cleanly; idleness is normal and incurs no backoff.
func (s *Stream) MarkIdle() {
	s.queue.VerifyIsCurrentQueue()
	if s.state != StateOpen {
		return
	}

	s.idle = true
	if s.idleTask == nil {
		s.idleTask = s.queue.After(s.idleTimeout, s.handleIdleTimeout)
	}
}

func (s *Stream) handleIdleTimeout() {
	if s.state == StateOpen && s.idle {
		s.log.Debug().Msg("closing idle stream")
		s.close(StateInitial, nil)
	}
}

// cancelIdleCheck clears the idle flag; an already scheduled idle task
// becomes a no-op when it fires.
func (s *Stream) cancelIdleCheck() {
	s.idle = false
	if s.idleTask != nil {
		s.idleTask.Cancel()
		s.idleTask = nil
	}
}

// writeRequest enqueues one outbound frame. Writing is activity, so any
// pending idle close is cancelled first.
func (s *Stream) writeRequest(data []byte) {
	s.queue.VerifyIsCurrentQueue()
	s.cancelIdleCheck()
	s.writer.Write(data)
}

// handleStreamData processes one inbound frame on the worker queue. Receipt
// of any frame proves the stream attempt succeeded, so the backoff resets.
func (s *Stream) handleStreamData(data []byte) {
	s.queue.VerifyIsCurrentQueue()

	if s.state == StateStopped {
		return
	}

	if !s.messageReceived {
		s.messageReceived = true
		s.logResponseHeaders()
	}

	s.backoff.Reset()

	if err := s.handler.handleResponse(data); err != nil {
		s.log.Debug().Err(err).Msg("could not parse stream response")
		// A frame we cannot parse means client and server no longer agree on
		// the protocol; tear the RPC down and let the close path surface an
		// internal error to the delegate.
		if s.rpc != nil {
			s.rpc.FinishWithError(status.Error(codes.Internal, "could not parse stream response"))
		}
	}
}

// handleStreamClose processes the transport's stream-closed event. The stream
// never recovers on its own: any transport close while started moves the
// stream to Error and the delegate decides whether to start again.
func (s *Stream) handleStreamClose(err error) {
	s.queue.VerifyIsCurrentQueue()

	if s.state == StateStopped {
		return
	}

	s.log.Debug().Err(err).Msg("stream closed by transport")
	s.close(StateError, normalizeError(err))
}

// close finishes the current RPC attempt and moves the stream to finalState.
// err must be nil unless finalState is StateError. The delegate is notified
// for every final state except Stopped.
func (s *Stream) close(finalState State, err error) {
	s.queue.VerifyIsCurrentQueue()

	if finalState != StateError && err != nil {
		panic("only error closes may carry an error")
	}

	s.cancelIdleCheck()

	if finalState != StateError {
		// Clean closes wipe the backoff so the next start is immediate.
		s.backoff.Reset()
	} else if status.Code(err) == codes.ResourceExhausted {
		s.log.Debug().Msg("using maximum backoff delay to prevent overloading the backend")
		s.backoff.ResetToMax()
	}

	s.log.Debug().Stringer("state", finalState).Err(err).Msg("closing stream")
	s.state = finalState

	if s.writer != nil {
		// Half-close the outbound side so the server sees a graceful end of
		// the request stream. Skipped on errors, where the RPC is already
		// dead and a half-close could only fail a second time.
		if finalState != StateError {
			s.writer.Finish(nil)
		}
		s.writer = nil
	}

	if finalState != StateStopped {
		s.handler.onClose(err)
	} else {
		s.handler.dropDelegate()
	}

	// Disabling the filter before dropping it is what makes Stop final: a
	// late transport callback finds passthrough off and is discarded.
	if s.filter != nil {
		s.filter.disable()
		s.filter = nil
	}
	s.rpc = nil
	s.messageReceived = false
}

// logResponseHeaders records the whitelisted subset of the server's response
// headers when the first frame of a stream arrives.
func (s *Stream) logResponseHeaders() {
	if s.rpc == nil {
		return
	}

	md := s.rpc.ResponseHeaders()
	if len(md) == 0 {
		return
	}

	event := s.log.Debug()
	logged := false
	for _, header := range whitelistedResponseHeaders {
		if values := md.Get(strings.ToLower(header)); len(values) > 0 {
			event = event.Strs(header, values)
			logged = true
		}
	}
	if logged {
		event.Msg("stream response headers")
	}
}

// normalizeError maps transport and credential failures into the gRPC status
// space: status errors pass through untouched, everything else becomes
// Unknown with the original message preserved.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Unknown, err.Error())
}
