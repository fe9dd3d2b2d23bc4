package dispatch

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorKind string

const (
	// TransientError is retryable: network failures, timeouts, throttling.
	TransientError ErrorKind = "transient"
	// PermanentError is not retried: missing credentials, invalid recipient.
	PermanentError ErrorKind = "permanent"
)

// DispatchError classifies a failed action dispatch.
type DispatchError struct {
	Kind     ErrorKind
	NodeType string
	Err      error
}

func (e *DispatchError) Error() string {
	if e.NodeType == "" {
		return fmt.Sprintf("%s dispatch error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s dispatch error (%s): %v", e.Kind, e.NodeType, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable dispatch error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &DispatchError{Kind: TransientError, Err: err}
}

// Permanent wraps err as a non-retryable dispatch error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &DispatchError{Kind: PermanentError, Err: err}
}

// Permanentf formats a new permanent error.
func Permanentf(format string, args ...any) error {
	return Permanent(errors.Errorf(format, args...))
}

// IsTransient reports whether err should be retried. Errors that carry no
// classification are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind == TransientError
	}
	return true
}

// IsPermanent is the complement of IsTransient for non-nil errors.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err)
}

func classify(nodeType string, err error) error {
	var de *DispatchError
	if errors.As(err, &de) {
		if de.NodeType != "" {
			return err
		}
		return &DispatchError{Kind: de.Kind, NodeType: nodeType, Err: de.Err}
	}
	return &DispatchError{Kind: TransientError, NodeType: nodeType, Err: err}
}
