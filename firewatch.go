/*
Package firewatch implements the streaming RPC client core for a cloud
document database speaking the Firestore v1beta1 wire protocol. The Datastore
is the entry point: it authenticates, manages the gRPC connection, creates
the long-lived watch and write streams, and executes the unary commit and
batch lookup RPCs.

The surrounding SDK supplies the document model, local cache, and query
engine; this core only moves frames. All stream callbacks and completions are
delivered on a single worker queue so callers never need their own locking
around stream state.
*/
package firewatch

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	api "github.com/firewatchio/go-firewatch/api/v1beta1"
	"github.com/firewatchio/go-firewatch/auth"
	"github.com/firewatchio/go-firewatch/dispatch"
	"github.com/firewatchio/go-firewatch/stream"
	"github.com/firewatchio/go-firewatch/targets"
)

// Datastore manages the credentials and connection to the backend and
// dispatches all RPCs. Streams created by the datastore are transferred to
// the caller: the datastore keeps no reference and the caller is responsible
// for stopping them.
type Datastore struct {
	opts       Options
	info       *DatabaseInfo
	queue      *dispatch.Queue
	creds      auth.TokenProvider
	serializer api.Serializer
	transport  stream.Transport
	authc      *auth.Client
	cc         *grpc.ClientConn
	ownConn    bool
	ownQueue   bool
	targets    *targets.Registry
	log        zerolog.Logger
}

// CommitCallback receives the result of a unary commit. Invoked exactly once
// on the worker queue with either a response or an error.
type CommitCallback func(rep *api.CommitResponse, err error)

// LookupCallback receives the accumulated results of a batch lookup. Invoked
// exactly once on the worker queue; each response resolves one requested
// document as found or missing.
type LookupCallback func(docs []*api.BatchGetResponse, err error)

// New creates a configured datastore, connecting and authenticating as
// needed. Credentials are expected in the environment ($FIREWATCH_CLIENT_ID
// and $FIREWATCH_CLIENT_SECRET) unless set with WithCredentials or replaced
// with WithTokenProvider. Tests typically supply WithGRPCConn with a bufconn
// to a mock server, or WithTransport with an in-memory fake.
func New(opts ...Option) (d *Datastore, err error) {
	d = &Datastore{}
	if d.opts, err = NewOptions(opts...); err != nil {
		return nil, err
	}

	d.info = d.opts.DatabaseInfo()
	d.targets = targets.NewRegistry()
	d.log = d.opts.Logger.With().Str("database", d.info.DatabaseName()).Logger()

	if d.queue = d.opts.Queue; d.queue == nil {
		d.queue = dispatch.New()
		d.ownQueue = true
	}

	if d.serializer = d.opts.Serializer; d.serializer == nil {
		d.serializer = &api.JSONSerializer{}
	}

	// Connect to the authentication service before the backend so streams
	// can attach tokens from their very first attempt.
	if d.creds, err = d.connectAuth(); err != nil {
		return nil, err
	}

	if err = d.connect(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Datastore) connectAuth() (_ auth.TokenProvider, err error) {
	if d.opts.TokenProvider != nil {
		return d.opts.TokenProvider, nil
	}

	if d.opts.NoAuthentication {
		return auth.EmptyTokenProvider{}, nil
	}

	if d.authc, err = auth.New(d.opts.AuthURL, d.opts.Insecure); err != nil {
		return nil, err
	}

	// Login for its side effect of caching a token pair; the dial-time
	// credentials it returns are not used because tokens are attached per
	// RPC with whatever token GetToken considers current.
	if _, err = d.authc.Login(context.Background(), d.opts.ClientID, d.opts.ClientSecret); err != nil {
		return nil, err
	}
	return d.authc, nil
}

func (d *Datastore) connect() (err error) {
	// A caller-supplied transport short-circuits dialing entirely.
	if d.transport = d.opts.Transport; d.transport != nil {
		return nil
	}

	// Use the caller's established connection when one was supplied.
	if d.cc = d.opts.Conn; d.cc == nil {
		opts := make([]grpc.DialOption, 0, len(d.opts.Dialing)+1)
		opts = append(opts, d.opts.Dialing...)

		if len(opts) == 0 {
			if d.opts.Insecure {
				opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
			} else {
				opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
			}
		}

		if d.cc, err = grpc.Dial(d.info.Host, opts...); err != nil {
			return err
		}
		d.ownConn = true
	}

	// Tokens ride on each RPC as auth.PerRPCToken credentials; on an insecure
	// connection the transport must mark them as not requiring transport
	// security or gRPC refuses to send them.
	if d.opts.Insecure {
		d.transport = stream.NewInsecureGRPCTransport(d.cc)
	} else {
		d.transport = stream.NewGRPCTransport(d.cc)
	}
	return nil
}

// Close releases the connection and, if the datastore created its own worker
// queue, shuts the queue down. Streams created by the datastore must be
// stopped by their owners first.
func (d *Datastore) Close() (err error) {
	if d.cc != nil && d.ownConn {
		err = d.cc.Close()
	}
	d.cc = nil
	d.transport = nil

	if d.ownQueue {
		d.queue.Shutdown()
	}
	return err
}

// Queue returns the worker queue stream delegates are invoked on. Callers
// drive stream operations by dispatching onto this queue.
func (d *Datastore) Queue() *dispatch.Queue {
	return d.queue
}

// Database returns the immutable identity of the connected database.
func (d *Datastore) Database() *DatabaseInfo {
	return d.info
}

// Targets returns the registry that assigns client-side target ids to
// watched queries. Callers building watch targets take ids from here so the
// same query maps to the same target across stream restarts.
func (d *Datastore) Targets() *targets.Registry {
	return d.targets
}

// WatchStream creates an unstarted watch stream. Ownership transfers to the
// caller, who must Start it on the worker queue and Stop it when done.
func (d *Datastore) WatchStream() *stream.WatchStream {
	return stream.NewWatchStream(d.streamConfig(), d.serializer, d.info.DatabaseName())
}

// WriteStream creates an unstarted write stream. Ownership transfers to the
// caller, who must Start it on the worker queue and Stop it when done.
func (d *Datastore) WriteStream() *stream.WriteStream {
	return stream.NewWriteStream(d.streamConfig(), d.serializer, d.info.DatabaseName())
}

func (d *Datastore) streamConfig() stream.Config {
	return stream.Config{
		Queue:       d.queue,
		Transport:   d.transport,
		Credentials: d.creds,
		Headers:     d.rpcHeaders(),
		Log:         d.log,
	}
}

// rpcHeaders returns the metadata attached to every RPC. The authorization
// header is attached separately, per attempt, once a token is known.
func (d *Datastore) rpcHeaders() metadata.MD {
	return metadata.Pairs(
		"x-goog-api-client", xGoogAPIClient(),
		"google-cloud-resource-prefix", d.info.DatabaseName(),
	)
}

// Commit submits a batch of mutations in a single unary RPC. The callback is
// invoked exactly once on the worker queue with the commit result or a
// normalized error. Retryable errors are surfaced, not retried; the caller
// decides whether to try again.
func (d *Datastore) Commit(writes []*api.Mutation, completion CommitCallback) {
	logger := d.log.With().Str("request_id", ulid.Make().String()).Str("rpc", "Commit").Logger()

	go func() {
		ctx := context.Background()

		token, err := d.creds.GetToken(ctx)
		if err != nil {
			logger.Debug().Err(err).Msg("could not acquire credentials for commit")
			d.completeCommit(completion, nil, err)
			return
		}

		req := &api.CommitRequest{Database: d.info.DatabaseName(), Writes: writes}

		var data []byte
		if data, err = d.serializer.EncodeCommitRequest(req); err != nil {
			d.completeCommit(completion, nil, err)
			return
		}

		var repData []byte
		if repData, err = d.transport.Invoke(ctx, api.CommitPath, data, d.rpcHeaders(), token.AccessToken); err != nil {
			logger.Debug().Err(err).Msg("commit rpc failed")
			d.completeCommit(completion, nil, err)
			return
		}

		var rep *api.CommitResponse
		if rep, err = d.serializer.DecodeCommitResponse(repData); err != nil {
			d.completeCommit(completion, nil, status.Error(codes.Internal, "could not parse commit response"))
			return
		}

		logger.Debug().Int("writes", len(writes)).Msg("commit complete")
		d.completeCommit(completion, rep, nil)
	}()
}

func (d *Datastore) completeCommit(completion CommitCallback, rep *api.CommitResponse, err error) {
	d.queue.AsyncAllowingSameQueue(func() {
		completion(rep, normalizeError(err))
	})
}

// Lookup fetches a batch of documents by name over the server-streaming
// batch get RPC, accumulating responses until the server finishes. The
// callback is invoked exactly once on the worker queue with every response
// or a normalized error.
func (d *Datastore) Lookup(documents []string, completion LookupCallback) {
	logger := d.log.With().Str("request_id", ulid.Make().String()).Str("rpc", "BatchGetDocuments").Logger()

	go func() {
		ctx := context.Background()

		token, err := d.creds.GetToken(ctx)
		if err != nil {
			logger.Debug().Err(err).Msg("could not acquire credentials for lookup")
			d.completeLookup(completion, nil, err)
			return
		}

		req := &api.BatchGetRequest{Database: d.info.DatabaseName(), Documents: documents}

		var data []byte
		if data, err = d.serializer.EncodeBatchGetRequest(req); err != nil {
			d.completeLookup(completion, nil, err)
			return
		}

		writer := stream.NewBufferedWriter()
		rpc := d.transport.CreateRpc(api.BatchGetPath, writer)
		rpc.SetRequestHeaders(d.rpcHeaders())
		if token.AccessToken != "" {
			rpc.SetOAuthToken(token.AccessToken)
		}

		rpc.Start(&lookupCollector{datastore: d, completion: completion, log: logger})

		// The request stream carries exactly one frame.
		writer.Write(data)
		writer.Finish(nil)
	}()
}

func (d *Datastore) completeLookup(completion LookupCallback, docs []*api.BatchGetResponse, err error) {
	d.queue.AsyncAllowingSameQueue(func() {
		completion(docs, normalizeError(err))
	})
}

// lookupCollector accumulates batch get responses from the transport until
// the stream finishes, then dispatches the completion. Transport callbacks
// arrive on foreign goroutines, so the collector guards its own state.
type lookupCollector struct {
	mu         sync.Mutex
	datastore  *Datastore
	completion LookupCallback
	log        zerolog.Logger
	results    []*api.BatchGetResponse
	failure    error
}

var _ stream.Target = &lookupCollector{}

func (c *lookupCollector) WriteValue(data []byte) {
	rep, err := c.datastore.serializer.DecodeBatchGetResponse(data)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failure = status.Error(codes.Internal, "could not parse batch get response")
		return
	}
	c.results = append(c.results, rep)
}

func (c *lookupCollector) WritesFinishedWithError(err error) {
	c.mu.Lock()
	results := c.results
	if err == nil {
		err = c.failure
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Debug().Err(err).Msg("lookup rpc failed")
		c.datastore.completeLookup(c.completion, nil, err)
		return
	}

	c.log.Debug().Int("documents", len(results)).Msg("lookup complete")
	c.datastore.completeLookup(c.completion, results, nil)
}
