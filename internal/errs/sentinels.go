// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Error kinds. Every protocol error code maps onto exactly one of them.
var (
	// ErrValidation indicates a missing or illegal attribute in a request.
	ErrValidation = errors.New("validation")

	// ErrConflict indicates the request clashes with existing state (name in use, unknown id).
	ErrConflict = errors.New("conflict")

	// ErrState indicates the target is not in a state that permits the operation.
	ErrState = errors.New("invalid state")

	// ErrTransport indicates the connection is closing or closed.
	ErrTransport = errors.New("transport")

	// ErrStorage indicates a server-side storage failure.
	ErrStorage = errors.New("storage")
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., sibling name taken).
	ErrAlreadyExists = fmt.Errorf("already exists: %w", ErrConflict)

	// ErrDisposed is the failure cause of requests whose connection or session was torn down.
	ErrDisposed = errors.New("disposed locally")

	// ErrNoSuchNode indicates an invalid cursor or a missing tree edge.
	ErrNoSuchNode = fmt.Errorf("no such node: %w", ErrNotFound)

	// ErrAlreadySubscribed indicates the connection already holds a subscription to the session.
	ErrAlreadySubscribed = fmt.Errorf("already subscribed: %w", ErrState)

	// ErrSessionNotRunning indicates the session is synchronizing or closed.
	ErrSessionNotRunning = fmt.Errorf("session not running: %w", ErrState)

	// ErrRequestPending indicates an identical request for the node is still outstanding.
	ErrRequestPending = fmt.Errorf("request already pending: %w", ErrState)

	// ErrConnectionClosed indicates a send on a connection that is not open.
	ErrConnectionClosed = fmt.Errorf("connection closed: %w", ErrTransport)
)
