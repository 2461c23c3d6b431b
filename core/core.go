package core

import "github.com/google/uuid"

// NewID returns a random identifier used for correlation (tool calls, jobs).
func NewID() string { return uuid.NewString() }
