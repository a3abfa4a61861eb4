package firewatch

import (
	"encoding/json"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	api "github.com/firewatchio/go-firewatch/api/v1beta1"
	"github.com/firewatchio/go-firewatch/auth"
	"github.com/firewatchio/go-firewatch/dispatch"
	"github.com/firewatchio/go-firewatch/stream"
)

// Default connection endpoints for the production service.
const (
	DefaultHost       = "firestore.googleapis.com:443"
	DefaultDatabaseID = "(default)"
	AuthEndpoint      = "https://auth.firewatch.dev"
)

// The environment prefix for configuration, e.g. $FIREWATCH_PROJECT_ID.
const envPrefix = "firewatch"

// Option allows users to specify variadic options to create & connect the datastore.
type Option func(o *Options) error

// WithProject specifies the project and database the datastore connects to.
// An empty databaseID selects the default database.
func WithProject(projectID, databaseID string) Option {
	return func(o *Options) error {
		o.ProjectID = projectID
		o.DatabaseID = databaseID
		return nil
	}
}

// WithHost allows you to specify an endpoint that is not the production
// backend. This is useful if you're running an emulator in CI or connecting
// to a mock in local tests.
func WithHost(host string, insecure bool) Option {
	return func(o *Options) error {
		o.Host = host
		o.Insecure = insecure
		return nil
	}
}

// WithCredentials allows you to instantiate a datastore with API key information.
func WithCredentials(clientID, clientSecret string) Option {
	return func(o *Options) error {
		o.ClientID = clientID
		o.ClientSecret = clientSecret
		return nil
	}
}

// Keys for credentials dumped as JSON credentials
const (
	keyClientID     = "ClientID"
	keyClientSecret = "ClientSecret"
)

// WithLoadCredentials loads API key information from a JSON credentials file
// that was downloaded from the web application. Pass in the path to the
// credentials on disk to load them with this option!
func WithLoadCredentials(path string) Option {
	return func(o *Options) (err error) {
		var f *os.File
		if f, err = os.Open(path); err != nil {
			return err
		}
		defer f.Close()

		data := make(map[string]interface{})
		if err = json.NewDecoder(f).Decode(&data); err != nil {
			return err
		}

		// Fetch and parse clientID
		if val, ok := data[keyClientID]; ok {
			if clientID, ok := val.(string); ok && clientID != "" {
				o.ClientID = clientID
			}
		}

		// Fetch and parse clientSecret
		if val, ok := data[keyClientSecret]; ok {
			if clientSecret, ok := val.(string); ok && clientSecret != "" {
				o.ClientSecret = clientSecret
			}
		}

		return nil
	}
}

// WithAuthenticator specifies a different auth service URL or you can supply
// an empty string and noauth set to true to have no authentication occur;
// RPCs are then sent without an Authorization header, as an emulator expects.
func WithAuthenticator(url string, noauth bool) Option {
	return func(o *Options) error {
		o.AuthURL = url
		o.NoAuthentication = noauth
		return nil
	}
}

// WithTokenProvider supplies a credential source directly, bypassing the
// built-in auth client entirely.
func WithTokenProvider(provider auth.TokenProvider) Option {
	return func(o *Options) error {
		o.TokenProvider = provider
		return nil
	}
}

// WithPersistenceKey tags the connection with the key the embedding SDK uses
// to namespace any on-disk state for this database.
func WithPersistenceKey(key string) Option {
	return func(o *Options) error {
		o.PersistenceKey = key
		return nil
	}
}

// WithLogger directs the datastore's structured log output; by default
// nothing is logged.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) error {
		o.Logger = logger
		return nil
	}
}

// WithWorkerQueue shares an existing worker queue with the datastore rather
// than having it create its own. All streams created by the datastore run
// their state transitions and delegate callbacks on this queue.
func WithWorkerQueue(queue *dispatch.Queue) Option {
	return func(o *Options) error {
		o.Queue = queue
		return nil
	}
}

// WithSerializer replaces the JSON serializer with the embedding SDK's wire
// format implementation.
func WithSerializer(serializer api.Serializer) Option {
	return func(o *Options) error {
		o.Serializer = serializer
		return nil
	}
}

// WithGRPCConn uses an already established client connection, e.g. a bufconn
// to a mock server in tests. The datastore does not close the connection.
func WithGRPCConn(cc *grpc.ClientConn) Option {
	return func(o *Options) error {
		o.Conn = cc
		return nil
	}
}

// WithTransport replaces the gRPC transport entirely; primarily used with
// in-memory fakes in tests.
func WithTransport(transport stream.Transport) Option {
	return func(o *Options) error {
		o.Transport = transport
		return nil
	}
}

// WithDialing appends gRPC dial options used when the datastore dials the
// host itself.
func WithDialing(opts ...grpc.DialOption) Option {
	return func(o *Options) error {
		o.Dialing = append(o.Dialing, opts...)
		return nil
	}
}

// WithOptions sets the options to the passed in options value. Note that this will
// override everything in the processing chain including zero-valued items; so use this
// as the first variadic option in NewOptions to guarantee correct processing.
func WithOptions(opts Options) Option {
	return func(o *Options) error {
		*o = opts
		return nil
	}
}

// Options specifies the client configuration for authenticating and
// connecting to the backend. If users set their credentials via the
// environment, they should not have to specify any options at all to
// connect; the options give advanced users flexibility to connect to
// emulators, mocks, and other environments.
type Options struct {
	// The project and database to connect to. The project ID is required;
	// the database ID defaults to the default database.
	ProjectID  string
	DatabaseID string

	// The gRPC endpoint of the backend; by default the production host.
	Host string

	// If true, the client will not use TLS to connect (default false).
	Insecure bool

	// The API key credentials include the client ID and secret, both of
	// which are required to authenticate with the auth service unless
	// NoAuthentication is true or a TokenProvider is supplied directly.
	ClientID     string
	ClientSecret string

	// The URL of the auth service; by default AuthEndpoint.
	AuthURL string

	// If true, RPCs omit access tokens entirely. This is primarily used for
	// testing against mocks and emulators.
	NoAuthentication bool

	// The key the embedding SDK namespaces on-disk state with.
	PersistenceKey string

	// Collaborators that default sensibly when omitted.
	Logger        zerolog.Logger
	Queue         *dispatch.Queue
	Serializer    api.Serializer
	TokenProvider auth.TokenProvider
	Conn          *grpc.ClientConn
	Transport     stream.Transport
	Dialing       []grpc.DialOption
}

// environment mirrors the subset of Options that can be loaded from the
// process environment under the FIREWATCH_ prefix.
type environment struct {
	ProjectID        string `envconfig:"PROJECT_ID"`
	DatabaseID       string `envconfig:"DATABASE_ID"`
	Host             string `envconfig:"HOST"`
	Insecure         bool   `envconfig:"INSECURE"`
	ClientID         string `envconfig:"CLIENT_ID"`
	ClientSecret     string `envconfig:"CLIENT_SECRET"`
	AuthURL          string `envconfig:"AUTH_URL"`
	NoAuthentication bool   `envconfig:"NO_AUTHENTICATION"`
	PersistenceKey   string `envconfig:"PERSISTENCE_KEY"`
}

// NewOptions instantiates an options object, sets defaults and loads missing
// options from the environment, then validates the options; returning an
// error if the options are incorrectly configured.
func NewOptions(opts ...Option) (options Options, err error) {
	options = Options{}
	for _, opt := range opts {
		if err = opt(&options); err != nil {
			return Options{}, err
		}
	}

	if err = options.Validate(); err != nil {
		return Options{}, err
	}
	return options, nil
}

// Validate the options to make sure required configuration is set. This
// method also ensures that default values are set if a configuration is
// missing, first from the environment and then from the package defaults.
func (o *Options) Validate() (err error) {
	if err = o.setDefaults(); err != nil {
		return err
	}

	if o.ProjectID == "" {
		return ErrMissingProjectID
	}

	if !o.NoAuthentication && o.TokenProvider == nil {
		if o.ClientID == "" {
			return ErrMissingClientID
		}

		if o.ClientSecret == "" {
			return ErrMissingClientSecret
		}

		if o.AuthURL == "" {
			return ErrMissingAuthURL
		}
	}
	return nil
}

// Set defaults from the environment and then from any applicable constants.
func (o *Options) setDefaults() (err error) {
	env := environment{}
	if err = envconfig.Process(envPrefix, &env); err != nil {
		return err
	}

	if o.ProjectID == "" {
		o.ProjectID = env.ProjectID
	}

	if o.DatabaseID == "" {
		if o.DatabaseID = env.DatabaseID; o.DatabaseID == "" {
			o.DatabaseID = DefaultDatabaseID
		}
	}

	if o.Host == "" {
		if o.Host = env.Host; o.Host == "" {
			o.Host = DefaultHost
		}
	}

	if o.ClientID == "" {
		o.ClientID = env.ClientID
	}

	if o.ClientSecret == "" {
		o.ClientSecret = env.ClientSecret
	}

	if o.AuthURL == "" {
		if o.AuthURL = env.AuthURL; o.AuthURL == "" {
			o.AuthURL = AuthEndpoint
		}
	}

	if o.PersistenceKey == "" {
		o.PersistenceKey = env.PersistenceKey
	}

	if !o.Insecure {
		o.Insecure = env.Insecure
	}

	if !o.NoAuthentication {
		o.NoAuthentication = env.NoAuthentication
	}

	return nil
}

// DatabaseInfo returns the immutable database identity the options describe.
func (o *Options) DatabaseInfo() *DatabaseInfo {
	return &DatabaseInfo{
		ProjectID:      o.ProjectID,
		DatabaseID:     o.DatabaseID,
		Host:           o.Host,
		SSLEnabled:     !o.Insecure,
		PersistenceKey: o.PersistenceKey,
	}
}
