package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Op is the operation argument accepted by E.
type Op string

// Component is the component argument accepted by E.
type Component string

// E builds a *SyncError from a loose argument list:
//
//	E(Op("remote.Login"), Component("remote"), KindAuth, err, "extra context")
//
// Strings are joined and used as the error message when no error is given,
// otherwise they prefix the wrapped error.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &SyncError{}
	var msgs []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = Operation(a)
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case *SyncError:
			cp := *a
			e.Err = &cp
			if e.Kind == KindOther {
				e.Kind = a.Kind
			}
			e.Retryable = e.Retryable || a.Retryable
		case error:
			e.Err = a
		case string:
			msgs = append(msgs, a)
		default:
			msgs = append(msgs, fmt.Sprint(a))
		}
	}
	if len(msgs) > 0 {
		msg := strings.Join(msgs, ": ")
		if e.Err == nil {
			e.Err = errors.New(msg)
		} else {
			e.Err = fmt.Errorf("%s: %w", msg, e.Err)
		}
	}
	switch e.Kind {
	case KindAuth, KindRemote, KindLocalStore:
		e.Retryable = true
	}
	return e
}

// WrapOpComponent provides a convenience helper to wrap errors with consistent Op and Component propagation.
// If err is nil, returns nil.
func WrapOpComponent(err error, op, component string) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), err)
}

// WrapOpComponentKind provides a convenience helper to wrap errors with Op, Component, and Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), kind, err)
}
