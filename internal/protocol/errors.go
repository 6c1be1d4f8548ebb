package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrShortRead means the stream ended inside a message.
	ErrShortRead = errors.New("short read")
	// ErrMalformedLength is a zero or over-limit length prefix.
	ErrMalformedLength = errors.New("malformed length prefix")
)

// ProtocolError ends the session. The stream is not resynchronised.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ConnectionError is a transport failure. Clients may reconnect.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
