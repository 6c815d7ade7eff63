// Package rpcerr defines the error taxonomy shared by client and service.
//
// Errors crossing the wire are reduced to a name and a message
// (message.ErrorInfo) and re-raised locally as *RemoteError. Local failures
// use the sentinels below, each of which also satisfies the matching
// juju/errors classification where one exists.
package rpcerr

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"gen-rpc/message"
)

const (
	// ErrReservedName is returned when registering or calling a
	// protocol reserved name.
	ErrReservedName = errors.ConstError("reserved name")

	// ErrClosed is returned by operations on a closed manager, client,
	// stream or executor.
	ErrClosed = errors.ConstError("closed")

	// ErrConnection reports a transport failure affecting a peer.
	ErrConnection = errors.ConstError("connection error")

	// ErrBind is returned by bind on role conflicts or unusable endpoints.
	ErrBind = errors.ConstError("bind error")

	// ErrConnect is returned by connect on role conflicts or dial failures.
	ErrConnect = errors.ConstError("connect error")

	// ErrNoPeer is returned when a send has nowhere to go.
	ErrNoPeer = errors.ConstError("no peer available")
)

// Remote error names recognised on both sides.
const (
	NameNotImplemented = "NotImplementedError"
	NameNotFound       = "NotFoundError"
	NameTimeout        = "TimeoutError"
	NameNotValid       = "ValueError"
	NameReservedName   = "ReservedNameError"
	NamePanic          = "PanicError"
	NameStop           = "StopIteration"
	NameGeneric        = "Error"
)

// ErrorNamer lets an error choose the name it travels under.
type ErrorNamer interface {
	ErrorName() string
}

// RemoteError is an error raised by the remote side, identified only by
// its remote type name and message.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Name + ": " + e.Message
}

// ErrorName implements ErrorNamer so a remote error relayed again keeps
// its original name.
func (e *RemoteError) ErrorName() string {
	return e.Name
}

// Is maps remote names that are recognised locally onto the local
// classification. Unrecognised names match nothing.
func (e *RemoteError) Is(target error) bool {
	switch e.Name {
	case NameNotImplemented:
		return target == errors.NotImplemented
	case NameNotFound:
		return target == errors.NotFound
	case NameNotValid:
		return target == errors.NotValid
	case NameReservedName:
		return target == ErrReservedName
	}
	return false
}

// Info returns the wire form of e.
func (e *RemoteError) Info() message.ErrorInfo {
	return message.ErrorInfo{Name: e.Name, Message: e.Message}
}

// FromInfo rebuilds a remote error from its wire form.
func FromInfo(info message.ErrorInfo) *RemoteError {
	name := info.Name
	if name == "" {
		name = NameGeneric
	}
	return &RemoteError{Name: name, Message: info.Message}
}

// Describe reduces err to its wire form.
func Describe(err error) message.ErrorInfo {
	if remote, ok := err.(*RemoteError); ok {
		return remote.Info()
	}
	return message.ErrorInfo{Name: nameOf(err), Message: err.Error()}
}

func nameOf(err error) string {
	var namer ErrorNamer
	if errors.As(err, &namer) {
		return namer.ErrorName()
	}
	switch {
	case errors.Is(err, errors.NotImplemented):
		return NameNotImplemented
	case errors.Is(err, errors.NotFound):
		return NameNotFound
	case errors.Is(err, errors.Timeout), errors.Is(err, context.DeadlineExceeded):
		return NameTimeout
	case errors.Is(err, errors.NotValid):
		return NameNotValid
	case errors.Is(err, ErrReservedName):
		return NameReservedName
	}
	return NameGeneric
}

// PanicError wraps a value recovered from a panicking procedure.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("procedure panicked: %v", e.Value)
}

// ErrorName implements ErrorNamer.
func (e *PanicError) ErrorName() string {
	return NamePanic
}

// Timeoutf returns a local timeout error that satisfies errors.Timeout.
func Timeoutf(format string, args ...any) error {
	return errors.Timeoutf(format, args...)
}

// IsTimeout reports whether err is a local timeout.
func IsTimeout(err error) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return false
	}
	return errors.Is(err, errors.Timeout)
}
