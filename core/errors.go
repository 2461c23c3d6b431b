package core

import "errors"

var (
	// ErrInvalidArgument marks local precondition violations (mismatched vector
	// lengths, unknown tool, unknown pool). Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoEndpointAvailable reports that no enabled endpoint has spare capacity.
	ErrNoEndpointAvailable = errors.New("no endpoint available")

	// ErrExhaustedRetries reports that every dispatch attempt failed.
	ErrExhaustedRetries = errors.New("exhausted retries")

	// ErrToolNotFound reports a tool name that is not registered.
	ErrToolNotFound = errors.New("tool not found")
)
