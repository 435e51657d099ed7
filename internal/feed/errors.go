package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ConfigError marks a startup problem that retrying cannot fix:
// missing credentials, an invalid endpoint, a bad contract address.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// NewConfigError builds a fatal configuration error for a field.
func NewConfigError(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

// IsRetryable classifies a stream error. Retryable errors (resource
// exhaustion, deadline exceeded, unavailable, generic connection
// failures) trigger backoff and reconnect with the preserved cursor;
// everything classified fatal (bad credentials, invalid configuration)
// terminates the connector.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return false
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.ResourceExhausted, codes.DeadlineExceeded, codes.Unavailable, codes.Aborted, codes.Internal:
			return true
		case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument, codes.NotFound, codes.Unimplemented:
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unknown stream errors are treated as transient: the connector
	// must keep the pipeline alive unless the error is provably fatal.
	return true
}
