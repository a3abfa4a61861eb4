package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	api "github.com/firewatchio/go-firewatch/api/v1beta1"
	"github.com/firewatchio/go-firewatch/auth"
	"github.com/firewatchio/go-firewatch/dispatch"
	"github.com/firewatchio/go-firewatch/stream"
)

const testDatabase = "projects/test/databases/(default)"

var serializer = &api.JSONSerializer{}

//===========================================================================
// Fake transport
//===========================================================================

// fakeTransport hands out in-memory rpc handles the tests drive directly,
// playing the server side of the stream protocol.
type fakeTransport struct {
	mu   sync.Mutex
	rpcs []*fakeRpc
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (t *fakeTransport) CreateRpc(path string, requests *stream.BufferedWriter) stream.Rpc {
	rpc := &fakeRpc{path: path, requests: requests, started: make(chan struct{})}
	t.mu.Lock()
	t.rpcs = append(t.rpcs, rpc)
	t.mu.Unlock()
	return rpc
}

func (t *fakeTransport) Invoke(ctx context.Context, path string, req []byte, headers metadata.MD, token string) ([]byte, error) {
	return nil, status.Error(codes.Unimplemented, "fake transport does not implement unary rpcs")
}

// waitForRpc blocks until the stream has created and started its index-th rpc.
func (t *fakeTransport) waitForRpc(tt *testing.T, index int) *fakeRpc {
	tt.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		t.mu.Lock()
		var rpc *fakeRpc
		if len(t.rpcs) > index {
			rpc = t.rpcs[index]
		}
		t.mu.Unlock()

		if rpc != nil {
			select {
			case <-rpc.started:
				return rpc
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		time.Sleep(time.Millisecond)
	}
	tt.Fatalf("transport never started rpc %d", index)
	return nil
}

func (t *fakeTransport) currentRpc() *fakeRpc {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.rpcs) - 1; i >= 0; i-- {
		select {
		case <-t.rpcs[i].started:
			return t.rpcs[i]
		default:
		}
	}
	return nil
}

type fakeRpc struct {
	path     string
	requests *stream.BufferedWriter
	started  chan struct{}

	mu       sync.Mutex
	headers  metadata.MD
	token    string
	target   stream.Target
	finished bool
}

var _ stream.Rpc = &fakeRpc{}

func (r *fakeRpc) Start(target stream.Target) {
	r.mu.Lock()
	r.target = target
	r.mu.Unlock()
	close(r.started)
}

func (r *fakeRpc) FinishWithError(err error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	target := r.target
	r.mu.Unlock()

	// The transport reports the teardown cause back through the callback
	// surface, the way a canceled grpc stream surfaces its final status.
	if target != nil {
		target.WritesFinishedWithError(err)
	}
}

func (r *fakeRpc) SetRequestHeaders(md metadata.MD) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers = md
}

func (r *fakeRpc) SetOAuthToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
}

func (r *fakeRpc) ResponseHeaders() metadata.MD {
	return metadata.Pairs("date", "Tue, 04 Apr 2023 13:35:30 GMT", "x-google-service", "test")
}

// deliver simulates one inbound frame from the server.
func (r *fakeRpc) deliver(data []byte) {
	r.mu.Lock()
	target := r.target
	r.mu.Unlock()
	if target != nil {
		target.WriteValue(data)
	}
}

// close simulates the transport's stream-closed event; nil means clean close.
func (r *fakeRpc) close(err error) {
	r.mu.Lock()
	target := r.target
	r.mu.Unlock()
	if target != nil {
		target.WritesFinishedWithError(err)
	}
}

// nextFrame pops the next outbound frame the stream wrote, failing the test
// if none arrives.
func (r *fakeRpc) nextFrame(t *testing.T) []byte {
	t.Helper()
	out := make(chan []byte, 1)
	go func() {
		data, ok := r.requests.Next()
		if !ok {
			close(out)
			return
		}
		out <- data
	}()

	select {
	case data, ok := <-out:
		require.True(t, ok, "request writer closed before a frame arrived")
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound frame arrived")
		return nil
	}
}

//===========================================================================
// Delegate recorder and token providers
//===========================================================================

// recorder implements both delegate interfaces, appending event names in
// callback order. It must only be touched on the worker queue.
type recorder struct {
	events   []string
	closeErr error
	changes  []*api.ListenResponse
	versions []*timestamppb.Timestamp
	commits  []*timestamppb.Timestamp
	results  [][]*api.WriteResult
}

func (r *recorder) OnWatchStreamOpen() { r.events = append(r.events, "did_open") }

func (r *recorder) OnWatchStreamChange(change *api.ListenResponse, version *timestamppb.Timestamp) {
	r.events = append(r.events, "did_change")
	r.changes = append(r.changes, change)
	r.versions = append(r.versions, version)
}

func (r *recorder) OnWatchStreamClose(err error) {
	r.events = append(r.events, "did_close")
	r.closeErr = err
}

func (r *recorder) OnWriteStreamOpen() { r.events = append(r.events, "did_open") }

func (r *recorder) OnHandshakeComplete() { r.events = append(r.events, "did_complete_handshake") }

func (r *recorder) OnWriteStreamResponse(commitTime *timestamppb.Timestamp, results []*api.WriteResult) {
	r.events = append(r.events, "did_receive_response")
	r.commits = append(r.commits, commitTime)
	r.results = append(r.results, results)
}

func (r *recorder) OnWriteStreamClose(err error) {
	r.events = append(r.events, "did_close")
	r.closeErr = err
}

// slowTokens resolves tokens after a delay so tests can interleave Stop with
// an in-flight credential request.
type slowTokens struct {
	delay time.Duration
}

func (s slowTokens) GetToken(ctx context.Context) (*auth.Token, error) {
	time.Sleep(s.delay)
	return &auth.Token{AccessToken: "slow-token", RequestTime: time.Now()}, nil
}

// failTokens always fails the credential request.
type failTokens struct{}

func (failTokens) GetToken(ctx context.Context) (*auth.Token, error) {
	return nil, errors.New("credential backend unreachable")
}

//===========================================================================
// Harness
//===========================================================================

type harness struct {
	t         *testing.T
	queue     *dispatch.Queue
	transport *fakeTransport
	cfg       stream.Config
}

func newHarness(t *testing.T) *harness {
	queue := dispatch.New()
	t.Cleanup(queue.Shutdown)

	transport := newFakeTransport()
	cfg := stream.Config{
		Queue:       queue,
		Transport:   transport,
		Credentials: auth.StaticTokenProvider("test-token"),
		Headers:     metadata.Pairs("google-cloud-resource-prefix", testDatabase),
		Log:         zerolog.Nop(),
		IdleTimeout: 50 * time.Millisecond,
	}

	return &harness{t: t, queue: queue, transport: transport, cfg: cfg}
}

func (h *harness) sync(fn func()) {
	h.queue.Sync(fn)
}

// settle waits for in-flight callbacks to drain through the queue.
func (h *harness) settle() {
	time.Sleep(20 * time.Millisecond)
	h.queue.Sync(func() {})
}

// waitFor polls the condition on the worker queue until it holds.
func (h *harness) waitFor(cond func() bool, msg string) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		h.queue.Sync(func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("condition never held: %s", msg)
}

//===========================================================================
// Scenario tests
//===========================================================================

func TestWatchStopBeforeHandshake(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	ws := stream.NewWatchStream(h.cfg, serializer, testDatabase)

	h.sync(func() {
		require.False(t, ws.IsStarted())
		ws.Start(rec)
		require.True(t, ws.IsStarted())
	})

	rpc := h.transport.waitForRpc(t, 0)
	h.waitFor(func() bool { return len(rec.events) == 1 }, "stream never opened")

	h.sync(func() {
		require.True(t, ws.IsOpen())
		ws.Stop()
		require.False(t, ws.IsStarted())
	})

	// The transport delivers a late clean close; the delegate must not hear it.
	rpc.close(nil)
	h.settle()

	h.sync(func() {
		require.Equal(t, []string{"did_open"}, rec.events)
		require.Equal(t, stream.StateStopped, ws.State())
	})
}

func TestWriteStopBeforeHandshake(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	ws := stream.NewWriteStream(h.cfg, serializer, testDatabase)

	h.sync(func() { ws.Start(rec) })
	rpc := h.transport.waitForRpc(t, 0)
	h.waitFor(func() bool { return len(rec.events) == 1 }, "stream never opened")

	h.sync(func() { ws.Stop() })
	rpc.close(nil)
	h.settle()

	h.sync(func() {
		require.Equal(t, []string{"did_open"}, rec.events)
	})
}

func TestWriteStopAfterHandshake(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	ws := stream.NewWriteStream(h.cfg, serializer, testDatabase)

	h.sync(func() { ws.Start(rec) })
	rpc := h.transport.waitForRpc(t, 0)
	h.waitFor(func() bool { return len(rec.events) == 1 }, "stream never opened")

	// Writing mutations before the handshake is a precondition violation.
	h.sync(func() {
		require.Panics(t, func() { ws.WriteMutations(nil) })
	})

	// Handshake: the request names the database and carries no writes.
	h.sync(func() { require.NoError(t, ws.WriteHandshake()) })
	handshake := decodeWriteRequest(t, rpc.nextFrame(t))
	require.Equal(t, testDatabase, handshake.Database)
	require.Empty(t, handshake.Writes)
	require.Empty(t, handshake.StreamToken, "the handshake must not attempt stream resumption")

	rpc.deliver(mustMarshal(t, &api.WriteResponse{StreamToken: []byte("tok-1")}))
	h.waitFor(func() bool { return len(rec.events) == 2 }, "handshake never completed")

	h.sync(func() {
		require.True(t, ws.HandshakeComplete())
		require.Equal(t, []byte("tok-1"), ws.LastStreamToken())
		require.Panics(t, func() { ws.WriteHandshake() }, "a second handshake is a precondition violation")
	})

	// Mutations echo the token from the most recent response.
	h.sync(func() {
		require.NoError(t, ws.WriteMutations([]*api.Mutation{{Delete: testDatabase + "/documents/users/alice"}}))
	})
	batch := decodeWriteRequest(t, rpc.nextFrame(t))
	require.Len(t, batch.Writes, 1)
	require.Equal(t, []byte("tok-1"), batch.StreamToken)

	rpc.deliver(mustMarshal(t, &api.WriteResponse{
		StreamToken:  []byte("tok-2"),
		CommitTime:   timestamppb.Now(),
		WriteResults: []*api.WriteResult{{UpdateTime: timestamppb.Now()}},
	}))
	h.waitFor(func() bool { return len(rec.events) == 3 }, "write response never arrived")

	h.sync(func() {
		require.Equal(t, []byte("tok-2"), ws.LastStreamToken())
		ws.Stop()
	})
	rpc.close(nil)
	h.settle()

	h.sync(func() {
		require.Equal(t, []string{"did_open", "did_complete_handshake", "did_receive_response"}, rec.events)
		require.Len(t, rec.results[0], 1)
	})
}

func TestStreamClosesWhenIdle(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	ws := stream.NewWriteStream(h.cfg, serializer, testDatabase)

	h.sync(func() { ws.Start(rec) })
	rpc := h.transport.waitForRpc(t, 0)
	h.waitFor(func() bool { return len(rec.events) == 1 }, "stream never opened")

	h.sync(func() { require.NoError(t, ws.WriteHandshake()) })
	rpc.nextFrame(t)
	rpc.deliver(mustMarshal(t, &api.WriteResponse{StreamToken: []byte("tok-1")}))
	h.waitFor(func() bool { return len(rec.events) == 2 }, "handshake never completed")

	h.sync(func() { ws.MarkIdle() })
	h.waitFor(func() bool { return len(rec.events) == 3 }, "idle stream never closed")

	h.sync(func() {
		require.Equal(t, []string{"did_open", "did_complete_handshake", "did_close"}, rec.events)
		require.NoError(t, rec.closeErr, "an idle close is clean")
		require.False(t, ws.IsOpen())
		require.Equal(t, stream.StateInitial, ws.State(), "idle closes return to initial, not error")
		require.Zero(t, ws.Backoff().Delay(), "idle closes incur no backoff")
	})
}

func TestIdleCancelledByWrite(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	ws := stream.NewWriteStream(h.cfg, serializer, testDatabase)

	h.sync(func() { ws.Start(rec) })
	rpc := h.transport.waitForRpc(t, 0)
	h.waitFor(func() bool { return len(rec.events) == 1 }, "stream never opened")

	h.sync(func() { require.NoError(t, ws.WriteHandshake()) })
	rpc.nextFrame(t)
	rpc.deliver(mustMarshal(t, &api.WriteResponse{StreamToken: []byte("tok-1")}))
	h.waitFor(func() bool { return len(rec.events) == 2 }, "handshake never completed")

	// Mark idle and immediately write: the write must disarm the idle close.
	h.sync(func() {
		ws.MarkIdle()
		require.NoError(t, ws.WriteMutations([]*api.Mutation{{Delete: "doc"}}))
	})
	rpc.nextFrame(t)
	rpc.deliver(mustMarshal(t, &api.WriteResponse{
		StreamToken: []byte("tok-2"),
		CommitTime:  timestamppb.Now(),
	}))
	h.waitFor(func() bool { return len(rec.events) == 3 }, "write response never arrived")

	// Wait out the idle window; no close may occur.
	time.Sleep(100 * time.Millisecond)
	h.settle()

	h.sync(func() {
		require.Equal(t, []string{"did_open", "did_complete_handshake", "did_receive_response"}, rec.events)
		require.True(t, ws.IsOpen())
	})
}

func TestResourceExhaustedSaturatesBackoff(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	ws := stream.NewWatchStream(h.cfg, serializer, testDatabase)

	h.sync(func() { ws.Start(rec) })
	rpc := h.transport.waitForRpc(t, 0)
	h.waitFor(func() bool { return len(rec.events) == 1 }, "stream never opened")

	rpc.close(status.Error(codes.ResourceExhausted, "quota exceeded"))
	h.waitFor(func() bool { return len(rec.events) == 2 }, "stream never closed")

	h.sync(func() {
		require.Equal(t, []string{"did_open", "did_close"}, rec.events)
		require.Equal(t, codes.ResourceExhausted, status.Code(rec.closeErr))
		require.Equal(t, stream.StateError, ws.State())
		require.Equal(t, stream.DefaultBackoffMax, ws.Backoff().Delay(),
			"resource exhaustion must saturate the backoff so the next attempt waits the full delay")
	})

	// Restarting from the error state backs off rather than dialing directly.
	h.sync(func() { ws.Start(rec) })
	h.sync(func() {
		require.Equal(t, stream.StateBackoff, ws.State())
	})
	h.sync(func() { ws.Stop() })
}

func TestWatchStreamTargets(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	ws := stream.NewWatchStream(h.cfg, serializer, testDatabase)

	h.sync(func() { ws.Start(rec) })
	rpc := h.transport.waitForRpc(t, 0)
	h.waitFor(func() bool { return len(rec.events) == 1 }, "stream never opened")

	// Watching before the stream opens is a precondition violation on a
	// fresh stream; verify against a second, never-started stream instead of
	// racing start.
	h.sync(func() {
		other := stream.NewWatchStream(h.cfg, serializer, testDatabase)
		require.Panics(t, func() { other.Watch(&api.Target{TargetID: 1}, nil) })
		require.Panics(t, func() { other.Unwatch(1) })
	})

	h.sync(func() {
		require.NoError(t, ws.Watch(&api.Target{TargetID: 42, Query: testDatabase + "/documents/rooms"}, map[string]string{"tag": "rooms"}))
	})
	added := decodeListenRequest(t, rpc.nextFrame(t))
	require.Equal(t, testDatabase, added.Database)
	require.NotNil(t, added.AddTarget)
	require.Equal(t, int32(42), added.AddTarget.TargetID)
	require.Equal(t, "rooms", added.Labels["tag"])

	h.sync(func() { require.NoError(t, ws.Unwatch(42)) })
	removed := decodeListenRequest(t, rpc.nextFrame(t))
	require.Equal(t, int32(42), removed.RemoveTarget)

	// A global target change carries the snapshot version.
	readTime := timestamppb.Now()
	rpc.deliver(mustMarshal(t, &api.ListenResponse{
		TargetChange: &api.TargetChange{Type: api.TargetChangeNoChange, ReadTime: readTime},
	}))
	h.waitFor(func() bool { return len(rec.changes) == 1 }, "watch change never arrived")

	// A document change does not advance the global snapshot.
	rpc.deliver(mustMarshal(t, &api.ListenResponse{
		DocumentChange: &api.DocumentChange{
			Document:  &api.Document{Name: testDatabase + "/documents/rooms/1"},
			TargetIDs: []int32{42},
		},
	}))
	h.waitFor(func() bool { return len(rec.changes) == 2 }, "document change never arrived")

	h.sync(func() {
		require.Equal(t, readTime.AsTime(), rec.versions[0].AsTime())
		require.Nil(t, rec.versions[1])
		require.Zero(t, ws.Backoff().Delay(), "inbound frames reset the backoff")
		ws.Stop()
	})
}

func TestParseFailureClosesStream(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	ws := stream.NewWatchStream(h.cfg, serializer, testDatabase)

	h.sync(func() { ws.Start(rec) })
	rpc := h.transport.waitForRpc(t, 0)
	h.waitFor(func() bool { return len(rec.events) == 1 }, "stream never opened")

	rpc.deliver([]byte("this is not a listen response"))
	h.waitFor(func() bool { return len(rec.events) == 2 }, "parse failure never closed the stream")

	h.sync(func() {
		require.Equal(t, []string{"did_open", "did_close"}, rec.events)
		require.Equal(t, codes.Internal, status.Code(rec.closeErr))
		require.Equal(t, stream.StateError, ws.State())
	})
}

func TestStopDuringAuth(t *testing.T) {
	h := newHarness(t)
	h.cfg.Credentials = slowTokens{delay: 50 * time.Millisecond}

	rec := &recorder{}
	ws := stream.NewWatchStream(h.cfg, serializer, testDatabase)

	h.sync(func() {
		ws.Start(rec)
		require.Equal(t, stream.StateAuth, ws.State())
		ws.Stop()
	})

	// Let the token request resolve; the stream must stay stopped and mute.
	time.Sleep(100 * time.Millisecond)
	h.settle()

	h.sync(func() {
		require.Empty(t, rec.events, "a stopped stream delivers no callbacks")
		require.Equal(t, stream.StateStopped, ws.State())
	})
}

func TestTokenFailureClosesStream(t *testing.T) {
	h := newHarness(t)
	h.cfg.Credentials = failTokens{}

	rec := &recorder{}
	ws := stream.NewWatchStream(h.cfg, serializer, testDatabase)

	h.sync(func() { ws.Start(rec) })
	h.waitFor(func() bool { return len(rec.events) == 1 }, "token failure never surfaced")

	h.sync(func() {
		require.Equal(t, []string{"did_close"}, rec.events)
		require.Error(t, rec.closeErr)
		require.Equal(t, codes.Unknown, status.Code(rec.closeErr))
		require.Equal(t, stream.StateError, ws.State())
	})
}

func TestErrorRestartReopensStream(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	ws := stream.NewWatchStream(h.cfg, serializer, testDatabase)

	h.sync(func() { ws.Start(rec) })
	rpc := h.transport.waitForRpc(t, 0)
	h.waitFor(func() bool { return len(rec.events) == 1 }, "stream never opened")

	rpc.close(status.Error(codes.Unavailable, "backend restarting"))
	h.waitFor(func() bool { return len(rec.events) == 2 }, "stream never closed")

	// Restart goes through backoff; no frame ever arrived so the first retry
	// is immediate.
	h.sync(func() { ws.Start(rec) })
	h.transport.waitForRpc(t, 1)
	h.waitFor(func() bool { return len(rec.events) == 3 }, "stream never reopened")

	h.sync(func() {
		require.Equal(t, []string{"did_open", "did_close", "did_open"}, rec.events)
		require.True(t, ws.IsOpen())
		ws.Stop()
	})
}

func TestStreamInstallsHeadersAndToken(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	ws := stream.NewWatchStream(h.cfg, serializer, testDatabase)

	h.sync(func() { ws.Start(rec) })
	rpc := h.transport.waitForRpc(t, 0)
	h.waitFor(func() bool { return len(rec.events) == 1 }, "stream never opened")

	rpc.mu.Lock()
	headers, token, path := rpc.headers, rpc.token, rpc.path
	rpc.mu.Unlock()

	require.Equal(t, api.ListenPath, path)
	require.Equal(t, []string{testDatabase}, headers.Get("google-cloud-resource-prefix"))
	require.Equal(t, "test-token", token)

	h.sync(func() { ws.Stop() })
}

//===========================================================================
// Randomized interleavings
//===========================================================================

// TestRandomInterleavings drives a write stream through random operation
// sequences and checks the lifecycle guarantees hold after every step: the
// started predicate tracks the state tags, delegates stay mute after Stop,
// and each attempt opens at most once.
func TestRandomInterleavings(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		seed := seed
		t.Run("", func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			h := newHarness(t)
			rec := &recorder{}
			ws := stream.NewWriteStream(h.cfg, serializer, testDatabase)

			stopped := false
			eventsAtStop := 0

			checkInvariants := func() {
				started := ws.IsStarted()
				state := ws.State()
				wantStarted := state == stream.StateBackoff || state == stream.StateAuth || state == stream.StateOpen
				require.Equal(t, wantStarted, started, "started predicate out of sync with state %s", state)

				if stopped {
					require.Equal(t, stream.StateStopped, state, "stopped streams stay stopped")
					require.Len(t, rec.events, eventsAtStop, "delegate callbacks after stop")
				}

				opens := 0
				closes := 0
				for _, event := range rec.events {
					switch event {
					case "did_open":
						opens++
					case "did_close":
						closes++
					}
				}
				require.LessOrEqual(t, opens, closes+1, "at most one open per attempt")
			}

			for i := 0; i < 40 && !stopped; i++ {
				op := rng.Intn(6)
				h.sync(func() {
					switch op {
					case 0: // start when legal
						if state := ws.State(); state == stream.StateInitial || state == stream.StateError {
							ws.Start(rec)
						}
					case 1: // stop
						if rng.Intn(4) == 0 {
							ws.Stop()
							stopped = true
							eventsAtStop = len(rec.events)
						}
					case 2: // mark idle
						ws.MarkIdle()
					case 3: // handshake or mutations along the legal path
						if ws.IsOpen() {
							if !ws.HandshakeComplete() {
								ws.WriteHandshake()
							} else {
								ws.WriteMutations([]*api.Mutation{{Delete: "doc"}})
							}
						}
					case 4: // server responds
						if rpc := h.transport.currentRpc(); rpc != nil && ws.IsOpen() {
							rpc.deliver(mustMarshal(t, &api.WriteResponse{StreamToken: []byte("tok")}))
						}
					case 5: // transport failure
						if rpc := h.transport.currentRpc(); rpc != nil && rng.Intn(2) == 0 {
							code := codes.Unavailable
							if rng.Intn(4) == 0 {
								code = codes.ResourceExhausted
							}
							rpc.close(status.Error(code, "injected failure"))
						}
					}
					checkInvariants()
				})

				if rng.Intn(3) == 0 {
					time.Sleep(time.Duration(rng.Intn(5)) * time.Millisecond)
				}
				h.sync(checkInvariants)
			}

			// Stop if the sequence did not, then confirm silence holds.
			h.sync(func() {
				if !stopped {
					ws.Stop()
					stopped = true
					eventsAtStop = len(rec.events)
				}
			})
			if rpc := h.transport.currentRpc(); rpc != nil {
				rpc.close(nil)
				rpc.deliver(mustMarshal(t, &api.WriteResponse{StreamToken: []byte("late")}))
			}
			h.settle()
			h.sync(checkInvariants)
		})
	}
}

//===========================================================================
// Wire helpers
//===========================================================================

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func decodeWriteRequest(t *testing.T, data []byte) *api.WriteRequest {
	t.Helper()
	req := &api.WriteRequest{}
	require.NoError(t, json.Unmarshal(data, req))
	return req
}

func decodeListenRequest(t *testing.T, data []byte) *api.ListenRequest {
	t.Helper()
	req := &api.ListenRequest{}
	require.NoError(t, json.Unmarshal(data, req))
	return req
}
