package chat

import "errors"

var (
	// ErrNotConnected is returned when a send is attempted without an
	// open connection. Nothing is queued; retry after the connection
	// reports Open again.
	ErrNotConnected = errors.New("not connected")

	// ErrInvalidTarget is returned when a direct message targets the
	// local user, or when no local identity is set.
	ErrInvalidTarget = errors.New("invalid direct message target")
)
