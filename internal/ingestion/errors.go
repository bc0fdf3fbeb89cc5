package ingestion

import "errors"

var (
	// ErrConfiguration marks a plugin that cannot run with its current settings
	// (for example a missing API key).
	ErrConfiguration = errors.New("configuration error")

	// ErrTransport marks an unexpected response from an upstream provider.
	ErrTransport = errors.New("transport error")

	// ErrParse marks a malformed numeric or date field in an upstream payload.
	ErrParse = errors.New("parse error")

	// ErrNotFound is returned by stores when nothing matches.
	ErrNotFound = errors.New("not found")

	// ErrUnknownSource is returned when no plugin is registered for a source id.
	ErrUnknownSource = errors.New("unknown source")

	ErrRunFinalized      = errors.New("run already finalized")
	ErrInvalidTransition = errors.New("invalid run status transition")
)
