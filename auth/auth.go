package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"google.golang.org/grpc/credentials"
)

// New creates an authentication client for the Firewatch auth service, which
// issues the JWT access tokens that Firestore RPCs carry as bearer tokens.
func New(authURL string, insecure bool) (client *Client, err error) {
	client = &Client{
		insecure: insecure,
		api: &http.Client{
			Transport:     nil,
			CheckRedirect: nil,
			Timeout:       30 * time.Second,
		},
	}

	if client.endpoint, err = url.Parse(authURL); err != nil {
		return nil, fmt.Errorf("could not parse auth url: %w", err)
	}

	if client.api.Jar, err = cookiejar.New(nil); err != nil {
		return nil, fmt.Errorf("could not create cookiejar: %w", err)
	}

	return client, nil
}

// Client authenticates with the auth service over HTTP and caches the token
// pair it receives. It implements TokenProvider so it can be handed directly
// to the datastore and its streams as their credential source.
type Client struct {
	endpoint *url.URL
	api      *http.Client
	apikey   *APIKey
	tokens   *Tokens
	insecure bool
}

var _ TokenProvider = &Client{}

// Login exchanges API key credentials for a token pair and returns per-RPC
// gRPC credentials wrapping the access token.
func (c *Client) Login(ctx context.Context, clientID, clientSecret string) (_ credentials.PerRPCCredentials, err error) {
	if clientID == "" || clientSecret == "" {
		return nil, ErrIncompleteCreds
	}

	c.apikey = &APIKey{
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}

	if err = c.Authenticate(ctx); err != nil {
		return nil, err
	}

	creds := &Credentials{
		accessToken: c.tokens.AccessToken,
		insecure:    c.insecure,
	}

	return creds, nil
}

// GetToken returns a valid access token, refreshing or re-authenticating as
// needed. The empty-token case never arises here; connections without auth
// use EmptyTokenProvider instead.
//
// TODO: force a refresh when the prior RPC failed with an authentication
// error, so a server-side revocation does not strand the client until expiry.
func (c *Client) GetToken(ctx context.Context) (_ *Token, err error) {
	requestTime := time.Now()

	if c.tokens != nil {
		if valid, _ := c.tokens.AccessValid(); valid {
			return &Token{AccessToken: c.tokens.AccessToken, RequestTime: requestTime}, nil
		}

		if valid, _ := c.tokens.RefreshValid(); valid {
			if err = c.Refresh(ctx); err != nil {
				return nil, err
			}
			return &Token{AccessToken: c.tokens.AccessToken, RequestTime: requestTime}, nil
		}
	}

	if c.apikey == nil {
		return nil, ErrNotAuthenticated
	}

	if err = c.Authenticate(ctx); err != nil {
		return nil, err
	}
	return &Token{AccessToken: c.tokens.AccessToken, RequestTime: requestTime}, nil
}

// Credentials returns per-RPC credentials with a valid access token,
// refreshing the cached token pair if it has expired. Intended for callers
// dialing their own gRPC connections; the datastore's transport attaches
// tokens per RPC itself.
func (c *Client) Credentials(ctx context.Context) (_ credentials.PerRPCCredentials, err error) {
	var token *Token
	if token, err = c.GetToken(ctx); err != nil {
		return nil, err
	}
	return &Credentials{accessToken: token.AccessToken, insecure: c.insecure}, nil
}

// Authenticate posts the API key credentials and caches the returned tokens.
func (c *Client) Authenticate(ctx context.Context) (err error) {
	if c.apikey == nil {
		return ErrNotAuthenticated
	}

	var req *http.Request
	if req, err = c.NewRequest(ctx, http.MethodPost, "/v1/authenticate", c.apikey); err != nil {
		return err
	}

	c.tokens = &Tokens{}
	if _, err = c.Do(req, c.tokens); err != nil {
		return err
	}

	return nil
}

// Refresh exchanges the cached refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context) (err error) {
	if c.tokens == nil || c.tokens.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	tokens := &Tokens{
		RefreshToken: c.tokens.RefreshToken,
	}

	var req *http.Request
	if req, err = c.NewRequest(ctx, http.MethodPost, "/v1/refresh", tokens); err != nil {
		return err
	}

	c.tokens = &Tokens{}
	if _, err = c.Do(req, c.tokens); err != nil {
		return err
	}

	return nil
}

// SetAPIKey replaces the API key credentials used to authenticate.
func (c *Client) SetAPIKey(key *APIKey) {
	c.apikey = key
}

// SetTokens replaces the cached token pair, e.g. with tokens loaded from a
// JSON cache on disk.
func (c *Client) SetTokens(tokens *Tokens) {
	c.tokens = tokens
}

// Status checks the current health of the auth service.
func (c *Client) Status(ctx context.Context) (status *Status, err error) {
	var req *http.Request
	if req, err = c.NewRequest(ctx, http.MethodGet, "/v1/status", nil); err != nil {
		return nil, err
	}

	status = &Status{}
	if _, err = c.Do(req, status); err != nil {
		return nil, err
	}
	return status, nil
}

// Reset clears cached credentials and tokens, primarily for tests.
func (c *Client) Reset() {
	c.apikey = nil
	c.tokens = nil
}

//===========================================================================
// Helper Methods
//===========================================================================

const (
	userAgent   = "Firewatch Go Client Authentication/v1"
	accept      = "application/json"
	contentType = "application/json; charset=utf-8"
)

func (c *Client) NewRequest(ctx context.Context, method, path string, data interface{}) (req *http.Request, err error) {
	// Resolve the URL reference from the path
	url := c.endpoint.ResolveReference(&url.URL{Path: path})

	var body io.ReadWriter
	switch {
	case data == nil:
		body = nil
	default:
		body = &bytes.Buffer{}
		if err = json.NewEncoder(body).Encode(data); err != nil {
			return nil, fmt.Errorf("could not serialize request data as json: %s", err)
		}
	}

	// Create the http request
	if req, err = http.NewRequestWithContext(ctx, method, url.String(), body); err != nil {
		return nil, fmt.Errorf("could not create request: %s", err)
	}

	// Set the headers on the request
	req.Header.Add("User-Agent", userAgent)
	req.Header.Add("Accept", accept)
	req.Header.Add("Content-Type", contentType)

	// Add authentication if it's available (add Authorization header)
	if c.tokens != nil && c.tokens.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.tokens.AccessToken)
	}

	// Add CSRF protection if its available
	if c.api.Jar != nil {
		cookies := c.api.Jar.Cookies(url)
		for _, cookie := range cookies {
			if cookie.Name == "csrf_token" {
				req.Header.Add("X-CSRF-TOKEN", cookie.Value)
			}
		}
	}

	return req, nil
}

// Do executes an http request against the server, performs error checking, and
// deserializes the response data into the specified struct.
func (c *Client) Do(req *http.Request, data interface{}) (rep *http.Response, err error) {
	if rep, err = c.api.Do(req); err != nil {
		return rep, fmt.Errorf("could not execute request: %s", err)
	}
	defer rep.Body.Close()

	// Detect http status errors if they've occurred
	if rep.StatusCode < 200 || rep.StatusCode >= 300 {
		// Attempt to read the error response from JSON, if available
		serr := &StatusError{
			StatusCode: rep.StatusCode,
		}

		if err = json.NewDecoder(rep.Body).Decode(&serr.Reply); err == nil {
			return rep, serr
		}

		serr.Reply = unsuccessful
		return rep, serr
	}

	// Deserialize the JSON data from the body
	if data != nil && rep.StatusCode >= 200 && rep.StatusCode < 300 && rep.StatusCode != http.StatusNoContent {
		// Check the content type to ensure data deserialization is possible
		if ct := rep.Header.Get("Content-Type"); ct != contentType {
			return rep, fmt.Errorf("unexpected content type: %q", ct)
		}

		if err = json.NewDecoder(rep.Body).Decode(data); err != nil {
			return nil, fmt.Errorf("could not deserialize response data: %s", err)
		}
	}

	return rep, nil
}
