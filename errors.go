package tether

import "github.com/pkg/errors"

var (
	// ErrHandshakeMismatch is returned when peer cookie is invalid or its major version differs.
	ErrHandshakeMismatch = errors.New("handshake mismatch")

	// ErrSocket is returned when endpoint socket fails or peer stops responding.
	ErrSocket = errors.New("socket error")

	// ErrBufferFull is returned when message does not fit into the outbound buffer even after flushing.
	ErrBufferFull = errors.New("outbound buffer full")

	// ErrUnknownRemoteID is reported when peer uses sender or type it has never described.
	ErrUnknownRemoteID = errors.New("unknown remote id")

	// ErrCallbackFailure is returned when registered handler fails.
	ErrCallbackFailure = errors.New("callback failure")

	// ErrLogCorruption is returned when log contains malformed frame.
	ErrLogCorruption = errors.New("log corruption")

	// ErrUnknownLocalID is returned when message references sender or type which is not registered.
	ErrUnknownLocalID = errors.New("unknown local id")

	// ErrDatagramTooLarge is returned when unreliable message does not fit into one datagram.
	ErrDatagramTooLarge = errors.New("datagram too large")

	// ErrClosed is returned when connection is used after Close.
	ErrClosed = errors.New("connection closed")

	errPeerDisconnected = errors.New("peer disconnected")
)
