package transport

import "errors"

var (
	// ErrConnectionTimeout is returned by Client.Connect when the server never
	// answered the connect request.
	ErrConnectionTimeout = errors.New("connection timed out")

	// ErrConnectionRefused is returned by Client.Connect when the server
	// answered with a refusal.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrPeerUnresponsive ends a connection whose reliable packets went
	// unacknowledged for longer than the connection timeout.
	ErrPeerUnresponsive = errors.New("peer unresponsive")

	// ErrClosed is returned when operating on a closed connection, client or server.
	ErrClosed = errors.New("transport closed")

	errPeerTimedOut = errors.New("peer timed out")
	errRemoteClosed = errors.New("closed by remote")
)
