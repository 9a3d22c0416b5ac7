package model

import "errors"

var (
	// ErrMalformedPayload is returned when a POST body or socket frame is not a valid event.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrSequenceViolation is returned when an event's sequence number was already delivered
	// or is already waiting in the session's pending queue.
	ErrSequenceViolation = errors.New("sequence violation")

	// ErrMissingAsset is returned when a requested file cannot be stat'ed.
	ErrMissingAsset = errors.New("asset not found")

	// ErrUnsupportedMethod is returned for HTTP verbs other than GET, HEAD and POST.
	ErrUnsupportedMethod = errors.New("unsupported method")

	// ErrTransformFailure is returned when the instrumenter fails on a file.
	ErrTransformFailure = errors.New("instrumentation failed")

	// ErrListenerFailure is returned when at least one listener failed to handle an event.
	ErrListenerFailure = errors.New("listener failed")

	// ErrServerStopped is returned when an operation outlives the server.
	ErrServerStopped = errors.New("server stopped")
)
