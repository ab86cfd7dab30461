package rpc

import "errors"

var (
	// ErrTimeout is returned when no response arrives within a call's
	// deadline.
	ErrTimeout = errors.New("rpc: timeout waiting for response")
	// ErrTransport is returned when the underlying socket fails to send
	// or receive.
	ErrTransport = errors.New("rpc: transport failure")
	// ErrFrameTooLarge is returned at encode time when a frame's wire
	// representation would exceed the transport's MTU.
	ErrFrameTooLarge = errors.New("rpc: frame exceeds maximum size")
	// ErrFrameMalformed is returned when an inbound frame fails to
	// parse, or an outbound payload fails to encode.
	ErrFrameMalformed = errors.New("rpc: malformed frame")
	// ErrBusy is returned when the pending-request registry is already
	// at capacity.
	ErrBusy = errors.New("rpc: pending request registry is full")
	// ErrShutdown is returned by calls made after Close.
	ErrShutdown = errors.New("rpc: layer is shut down")
)
