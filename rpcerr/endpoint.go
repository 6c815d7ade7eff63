package rpcerr

import (
	"fmt"
)

// EndpointError reports a bind or connect failure for one endpoint. It
// matches both its kind (ErrBind or ErrConnect) and its cause.
type EndpointError struct {
	Kind     error
	Endpoint string
	Err      error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("%v %s: %v", e.Kind, e.Endpoint, e.Err)
}

func (e *EndpointError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// BindError builds an EndpointError of kind ErrBind.
func BindError(endpoint string, err error) error {
	return &EndpointError{Kind: ErrBind, Endpoint: endpoint, Err: err}
}

// ConnectError builds an EndpointError of kind ErrConnect.
func ConnectError(endpoint string, err error) error {
	return &EndpointError{Kind: ErrConnect, Endpoint: endpoint, Err: err}
}

// ConnectionError reports that a peer failed or went away. It matches
// ErrConnection and its cause.
type ConnectionError struct {
	Peer string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Peer, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}
