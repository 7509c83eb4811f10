package engine

import (
	"errors"
	"fmt"

	"github.com/limsuite/interface-engine/internal/platform/protocol"
)

// ConfigurationError marks bad endpoint policy or a disallowed call. It is
// rejected before a job exists and never enters the retry machinery.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return e.Reason }

func configErrorf(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// AuthError rejects an inbound delivery whose credential does not match
// the endpoint's shared secret.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return e.Reason }

// ValidationError marks a malformed or incomplete protocol payload. The
// job fails permanently; retrying cannot make bad bytes parse.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// RemoteRejection is an AE/AR acknowledgement: the transport succeeded but
// the remote system refused the message. Handled like a transport failure.
type RemoteRejection struct {
	Code protocol.AckCode
	Body string
}

func (e *RemoteRejection) Error() string {
	return fmt.Sprintf("remote rejected message with %s", e.Code)
}

// TransientFailure covers dispatch I/O errors and downstream bridge
// failures. Retried per endpoint policy.
type TransientFailure struct {
	Err error
}

func (e *TransientFailure) Error() string { return e.Err.Error() }
func (e *TransientFailure) Unwrap() error { return e.Err }

// classify wraps an arbitrary processing error into the taxonomy. Protocol
// validation sentinels become permanent validation failures; everything
// else is assumed transient.
func classify(err error) error {
	var ce *ConfigurationError
	var ve *ValidationError
	var rr *RemoteRejection
	var tf *TransientFailure
	switch {
	case errors.As(err, &ce), errors.As(err, &ve), errors.As(err, &rr), errors.As(err, &tf):
		return err
	case errors.Is(err, protocol.ErrValidation):
		return &ValidationError{Err: err}
	default:
		return &TransientFailure{Err: err}
	}
}

// permanent reports whether the error must fail the job outright instead
// of entering retry scheduling.
func permanent(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
