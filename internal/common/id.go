package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique export job id.
func NewJobID() string {
	return uuid.New().String()
}

// NewTraceID generates a per-request trace id attached to MCP envelopes.
func NewTraceID() string {
	return uuid.New().String()
}
