package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed is returned by Send once the transport has been closed.
	ErrTransportClosed = errors.New("transport closed")

	// ErrResolverClosed is returned by Resolve once the resolver has been closed.
	ErrResolverClosed = errors.New("resolver closed")
)

// UnsupportedProtocolError reports an engine address whose scheme has no
// connection strategy. It is a configuration fault and is never retried.
type UnsupportedProtocolError struct {
	Scheme string
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("scheme: %s is not supported", e.Scheme)
}

// ConfigError reports a malformed engine address or request target. It is
// raised before any I/O takes place.
type ConfigError struct {
	Address string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid engine address %q: %s", e.Address, e.Reason)
}

// ConnectionError wraps the root cause of a failed connect.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
