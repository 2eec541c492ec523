// Package socket implements the user-facing endpoint table that
// multiplexes UDP and TCP traffic over the stack: bind, listen,
// accept, connect, send, recv and close.
package socket

import "errors"

// Typed socket errors. Both UDP and TCP operations surface failures as
// one of this closed set so callers can use errors.Is.
var (
	ErrAddrInUse         = errors.New("socket: address already in use")
	ErrAddrNotAvailable  = errors.New("socket: address not available")
	ErrNotBound          = errors.New("socket: not bound")
	ErrNotConnected      = errors.New("socket: not connected")
	ErrConnectionRefused = errors.New("socket: connection refused")
	ErrConnectionReset   = errors.New("socket: connection reset")
	ErrTimedOut          = errors.New("socket: timed out")
	ErrWouldBlock        = errors.New("socket: would block")
	ErrClosed            = errors.New("socket: closed")
)
