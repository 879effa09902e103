package domain

import "errors"

var (
	// ErrTransport is a network or HTTP failure talking to a collaborator.
	ErrTransport = errors.New("transport error")
	// ErrValidation is a missing or malformed input.
	ErrValidation = errors.New("validation error")
	// ErrUpstream is a failure status returned by the hosted assistant service.
	ErrUpstream = errors.New("upstream error")
	// ErrState is an operation attempted without its prerequisite.
	ErrState = errors.New("state error")

	ErrNotFound = errors.New("not found")
)
