package entities

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrUpstream   = errors.New("upstream call failed")
	ErrConflict   = errors.New("already exists")
)

// ValidationError rejects a malformed Message or Conversation before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// UpstreamError wraps a failed platform adapter call.
type UpstreamError struct {
	Platform Platform
	Op       string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Platform, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// ConfigurationError describes a missing mapping or downstream id. It is
// reported in the routing result, not returned.
type ConfigurationError struct {
	MappingID string    `json:"mappingId,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Reason    string    `json:"reason"`
}

func (e ConfigurationError) Error() string {
	if e.MappingID == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: mapping %s %s: %s", e.MappingID, e.Direction, e.Reason)
}
