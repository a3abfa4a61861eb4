package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Credentials carry an access token onto the wire as gRPC per-RPC
// credentials: the token rides in the authorization metadata of each call.
// This is how every Firestore RPC the transport issues authenticates itself;
// because access tokens expire, credentials are attached call by call with
// whatever token is current rather than being fixed at dial time.
//
// The insecure flag exists for emulator and in-memory connections that run
// without TLS; production connections must leave it false so gRPC refuses to
// leak a token over an unprotected channel.
type Credentials struct {
	accessToken string
	insecure    bool
}

var _ credentials.PerRPCCredentials = &Credentials{}

// GetRequestMetadata attaches the bearer access token to the authorization header.
func (t *Credentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"Authorization": "Bearer " + t.accessToken,
	}, nil
}

// RequireTransportSecurity reports whether the token may only travel over a
// secured transport; false only for emulator and CI connections.
func (t *Credentials) RequireTransportSecurity() bool {
	return !t.insecure
}

// Equals compares credentials (primarily used for testing).
func (t *Credentials) Equals(o *Credentials) bool {
	return t.accessToken == o.accessToken && t.insecure == o.insecure
}

// PerRPCToken returns a CallOption attaching the access token to a single
// RPC. The streaming transport uses this for every stream attempt and unary
// call it makes with a non-empty token.
func PerRPCToken(accessToken string, insecure bool) grpc.CallOption {
	return grpc.PerRPCCredentials(&Credentials{accessToken: accessToken, insecure: insecure})
}

// WithPerRPCToken returns a DialOption fixing the credentials for every RPC
// on the connection. Useful for short-lived connections dialed by callers
// directly; sessions expected to outlive the access token (about an hour)
// should prefer the PerRPCToken CallOption so refreshed tokens take effect.
func WithPerRPCToken(accessToken string, insecure bool) grpc.DialOption {
	return grpc.WithPerRPCCredentials(&Credentials{accessToken: accessToken, insecure: insecure})
}
