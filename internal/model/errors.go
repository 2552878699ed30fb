package model

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes sync failures
type ErrorKind string

const (
	// KindTransport covers refused, closed or timed out connections. Recoverable by reconnecting.
	KindTransport ErrorKind = "TRANSPORT_ERROR"
	// KindPersistence means a local write failed even after the emergency fallback.
	KindPersistence ErrorKind = "PERSISTENCE_FAILURE"
	// KindRejected means the coordinator refused the payload. Never retried.
	KindRejected ErrorKind = "DELIVERY_REJECTED"
	// KindRetryExhausted means an item hit its maximum retry count.
	KindRetryExhausted ErrorKind = "RETRY_EXHAUSTED"
)

// SyncError is the error type shared by the local store, the reconciler and the transport
type SyncError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// TransportError wraps a connection-level failure
func TransportError(op string, err error) error {
	return &SyncError{Kind: KindTransport, Op: op, Err: err}
}

// PersistenceFailure wraps a local write that could not be saved anywhere
func PersistenceFailure(op string, err error) error {
	return &SyncError{Kind: KindPersistence, Op: op, Err: err}
}

// DeliveryRejected wraps a domain-level refusal from the coordinator
func DeliveryRejected(op string, err error) error {
	return &SyncError{Kind: KindRejected, Op: op, Err: err}
}

// RetryExhausted reports an item that will no longer be delivered automatically
func RetryExhausted(op string, err error) error {
	return &SyncError{Kind: KindRetryExhausted, Op: op, Err: err}
}

func isKind(err error, kind ErrorKind) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// IsTransport reports whether err is a TransportError
func IsTransport(err error) bool { return isKind(err, KindTransport) }

// IsPersistence reports whether err is a PersistenceFailure
func IsPersistence(err error) bool { return isKind(err, KindPersistence) }

// IsRejected reports whether err is a DeliveryRejected
func IsRejected(err error) bool { return isKind(err, KindRejected) }

// IsRetryExhausted reports whether err is a RetryExhausted
func IsRetryExhausted(err error) bool { return isKind(err, KindRetryExhausted) }
