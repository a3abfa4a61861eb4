package authtest

import "github.com/golang-jwt/jwt/v4"

// Claims implements auth-service-like claims for use in testing the client.
type Claims struct {
	jwt.RegisteredClaims
	ProjectID   string   `json:"project,omitempty"`
	DatabaseID  string   `json:"database,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}
