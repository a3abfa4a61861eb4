package firewatch

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrMissingProjectID    = errors.New("invalid options: project id is required")
	ErrMissingClientID     = errors.New("invalid options: client ID is required")
	ErrMissingClientSecret = errors.New("invalid options: client secret is required")
	ErrMissingAuthURL      = errors.New("invalid options: auth url is required")
)

// Error is the error type surfaced to callers of the datastore and its
// streams. Every error carries one of the canonical gRPC status codes; the
// original cause, when there was one, is preserved for unwrapping.
type Error struct {
	Code    codes.Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// GRPCStatus makes the error transparent to status.FromError and friends.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

// FromError normalizes any error into the Firewatch error domain. Errors that
// already carry a gRPC status keep their code and message; everything else
// becomes Unknown with the original attached as the cause. Returns nil only
// for a nil input.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var ferr *Error
	if errors.As(err, &ferr) {
		return ferr
	}

	if s, ok := status.FromError(err); ok {
		return &Error{Code: s.Code(), Message: s.Message(), cause: err}
	}
	return &Error{Code: codes.Unknown, Message: err.Error(), cause: err}
}

// normalizeError is FromError with the nil interface preserved so callbacks
// can test err == nil without a typed-nil surprise.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	return FromError(err)
}

// Code extracts the canonical status code from any error. Nil errors map to
// OK, errors from outside the status space to Unknown.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return FromError(err).Code
}

// Write errors with these codes are worth retrying: the failure says nothing
// about the write itself, only about the attempt to deliver it.
var transientWriteCodes = map[codes.Code]struct{}{
	codes.Canceled:          {},
	codes.Unknown:           {},
	codes.DeadlineExceeded:  {},
	codes.ResourceExhausted: {},
	codes.Internal:          {},
	codes.Unavailable:       {},
	codes.Unauthenticated:   {},
}

// IsPermanentWriteError reports whether a failed write should be surfaced to
// the application rather than retried. Aborted is treated as permanent at
// this layer; callers that own transaction semantics may choose to retry
// aborted commits themselves.
func IsPermanentWriteError(err error) bool {
	if err == nil {
		return false
	}
	_, transient := transientWriteCodes[Code(err)]
	return !transient
}
