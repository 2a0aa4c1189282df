package core

import "errors"

// Sentinel errors for the transport core's failure taxonomy. Each is
// recovered at a specific layer.
var (
	// ErrMalformedFrame indicates a codec-level validation failure on an
	// inbound UDP datagram. Recovered locally: drop, count.
	ErrMalformedFrame = errors.New("transport: malformed frame")

	// ErrMalformedMessage indicates an envelope-level validation failure.
	ErrMalformedMessage = errors.New("transport: malformed message")

	// ErrUnknownProtocol indicates a protocol code outside the closed set.
	ErrUnknownProtocol = errors.New("transport: unknown protocol")

	// ErrNoHandler indicates dispatch found no registered handler for an
	// otherwise-valid protocol code.
	ErrNoHandler = errors.New("transport: no handler registered")

	// ErrHandshakeRejected indicates a magic, version, or signature
	// mismatch during handshake.
	ErrHandshakeRejected = errors.New("transport: handshake rejected")

	// ErrPeerUnreachable indicates the retransmit budget was exhausted or
	// the connection repeatedly timed out.
	ErrPeerUnreachable = errors.New("transport: peer unreachable")

	// ErrRequestTimeout indicates a paired response did not arrive before
	// the waiter's deadline.
	ErrRequestTimeout = errors.New("transport: request timed out")

	// ErrBackpressured indicates a send permit could not be acquired
	// before its deadline.
	ErrBackpressured = errors.New("transport: send backpressured")

	// ErrResourceExhausted indicates a single send request larger than the
	// global in-flight cap, which no amount of waiting can admit.
	ErrResourceExhausted = errors.New("transport: resource exhausted")
)
