package auth

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	unsuccessful = Reply{Success: false}

	ErrIncompleteCreds  = errors.New("both client id and client secret are required to login")
	ErrNotAuthenticated = errors.New("not authenticated: login with api credentials first")
	ErrNoRefreshToken   = errors.New("no refresh token is available to refresh the session")
	ErrNoExpiration     = errors.New("token claims contain no expiration timestamp")
	ErrNoNotBefore      = errors.New("token claims contain no not-before timestamp")
)

// StatusError decodes an error response from the auth service.
type StatusError struct {
	StatusCode int
	Reply      Reply
}

func (e *StatusError) Error() string {
	if e.Reply.Error != "" {
		return fmt.Sprintf("[%d] %s", e.StatusCode, e.Reply.Error)
	}
	return fmt.Sprintf("[%d] %s", e.StatusCode, http.StatusText(e.StatusCode))
}
