// Package protocol defines the capability interfaces a listener-level
// protocol implementation satisfies, so the lifecycle supervisor can
// drive any protocol without depending on its concrete type.
package protocol

import (
	"context"
	"net"
)

// Protocol handles one accepted connection end to end and validates its
// own configuration before the supervisor binds any listener for it.
type Protocol interface {
	// Name identifies the protocol for logs, e.g. "smtp".
	Name() string

	// HandleConnection drives conn until the peer disconnects, the
	// protocol closes it, or ctx is cancelled. It must not return until
	// the connection is fully closed.
	HandleConnection(ctx context.Context, conn net.Conn)

	// ValidateConfiguration reports a configuration error, if any, that
	// would prevent this protocol from serving correctly.
	ValidateConfiguration() error
}

// FiniteStateMachine is the narrower capability a connection-scoped
// session exposes to tests and to plugin dispatch, independent of its
// transport.
type FiniteStateMachine interface {
	// State returns a label for the session's current state, e.g.
	// "MailFrom".
	State() string

	// Closed reports whether the session has reached its terminal state.
	Closed() bool
}
