// Package errors provides the error taxonomy shared by the CRM sync engine.
//
// Every failure that crosses a component boundary is a *SyncError carrying the
// operation, the component that produced it and a Kind. Callers branch on the
// Kind (IsAuth, IsRemote, ...) rather than on message text.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, machine-readable code attached to an error.
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeServerFault       ErrorCode = "SERVER_FAULT"
	ErrCodeInvalidSession    ErrorCode = "INVALID_SESSION"
	ErrCodeLoginFailed       ErrorCode = "LOGIN_FAILED"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindOther       Kind = ""
	KindAuth        Kind = "auth"
	KindRemote      Kind = "remote"
	KindNotFound    Kind = "not_found"
	KindUnknownType Kind = "unknown_type"
	KindLocalStore  Kind = "local_store"
	KindInvalid     Kind = "invalid"
	KindCanceled    Kind = "canceled"
)

// Operation names the engine operation during which the error occurred.
type Operation string

const (
	OpLogin       Operation = "login"
	OpListTypes   Operation = "list_types"
	OpListChanges Operation = "list_changes"
	OpFetch       Operation = "fetch"
	OpUpsert      Operation = "upsert"
	OpLookup      Operation = "lookup"
	OpDecode      Operation = "decode"
	OpEncode      Operation = "encode"
	OpReconcile   Operation = "reconcile"
	OpPoll        Operation = "poll"
	OpPropagate   Operation = "propagate"
	OpStore       Operation = "store"
	OpLoad        Operation = "load"
	OpTransport   Operation = "transport"
	OpConfig      Operation = "config"
	OpClose       Operation = "close"
)

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "remote", "store")
	Component string

	// Kind is the taxonomy class of the error
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried on a later cycle
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	if e.Err == nil {
		return msg
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// WithMetadata records a key/value pair on the error and returns it.
func (e *SyncError) WithMetadata(key string, value interface{}) *SyncError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// NewAuthError reports bad credentials or a session the server refused.
func NewAuthError(op Operation, cause error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: "remote",
		Kind:      KindAuth,
		Code:      ErrCodeLoginFailed,
		Err:       cause,
		Retryable: true,
	}
}

// NewRemoteError reports a network, protocol or server-side application failure.
func NewRemoteError(op Operation, cause error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: "remote",
		Kind:      KindRemote,
		Code:      ErrCodeNetworkFailure,
		Err:       cause,
		Retryable: true,
	}
}

// NewNotFoundError reports a record that vanished between list and fetch.
func NewNotFoundError(op Operation, entityType, id string) *SyncError {
	e := &SyncError{
		Op:        op,
		Component: "remote",
		Kind:      KindNotFound,
		Err:       fmt.Errorf("%s record %q not found", entityType, id),
	}
	return e.WithMetadata("entity_type", entityType).WithMetadata("remote_id", id)
}

// NewUnknownTypeError reports an entity type with no registered schema.
func NewUnknownTypeError(op Operation, entityType string) *SyncError {
	e := &SyncError{
		Op:        op,
		Component: "schema",
		Kind:      KindUnknownType,
		Err:       fmt.Errorf("unknown entity type %q", entityType),
	}
	return e.WithMetadata("entity_type", entityType)
}

// NewLocalStoreError wraps an opaque failure from the local item store.
func NewLocalStoreError(op Operation, cause error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: "store",
		Kind:      KindLocalStore,
		Code:      ErrCodeStorageFailure,
		Err:       cause,
		Retryable: true,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Kind:      KindInvalid,
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// KindOf returns the Kind of the outermost SyncError in err's chain.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return KindOther
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

func IsAuth(err error) bool { return hasKind(err, KindAuth) }
func IsRemote(err error) bool { return hasKind(err, KindRemote) }
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }
func IsUnknownType(err error) bool { return hasKind(err, KindUnknownType) }
func IsLocalStore(err error) bool { return hasKind(err, KindLocalStore) }

// hasKind walks the whole chain so a wrapped SyncError keeps its class.
func hasKind(err error, kind Kind) bool {
	for err != nil {
		if se, ok := err.(*SyncError); ok && se.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Is, As and Unwrap re-export the standard library helpers so callers that
// import this package under the name "errors" keep them.
func Is(err, target error) bool { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }
func Unwrap(err error) error { return errors.Unwrap(err) }
