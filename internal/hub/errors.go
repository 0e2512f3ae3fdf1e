package hub

import "errors"

// Sentinel errors for the coordination layer. Handlers map these onto the
// per-connection error event; they are never fatal to the hub itself.
var (
	// ErrUnauthenticated is returned when an operation requires a prior
	// successful authenticate on the connection.
	ErrUnauthenticated = errors.New("connection is not authenticated")
	// ErrAlreadyAuthenticated is returned when authenticate is called twice
	// on the same connection.
	ErrAlreadyAuthenticated = errors.New("connection is already authenticated")
	// ErrUnknownConnection is returned for operations referencing a
	// connection id the registry has never seen or has already closed.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrValidation covers malformed or oversized chat input.
	ErrValidation = errors.New("validation failed")
	// ErrAuthorization is returned when a chat-banned user attempts to post.
	ErrAuthorization = errors.New("not authorized")
	// ErrUnknownStreamKey is returned when an ingestion signal carries a
	// stream key that resolves to no streamer.
	ErrUnknownStreamKey = errors.New("unknown stream key")
	// ErrStreamNotLive is returned when joining a stream that has ended.
	ErrStreamNotLive = errors.New("stream is not live")
)
