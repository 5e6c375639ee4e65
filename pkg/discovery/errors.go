package discovery

import "errors"

// Package-level sentinel errors for discovery operations.
var (
	// ErrInvalidServiceType is returned for invalid or unknown service types.
	ErrInvalidServiceType = errors.New("discovery: invalid service type")

	// ErrServiceNotFound is returned when no matching instance answered.
	ErrServiceNotFound = errors.New("discovery: service not found")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("discovery: operation timed out")
)
