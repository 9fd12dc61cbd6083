package types

import "errors"

var (
	// ErrUnknownAddress is returned when a free references an address that is
	// not live in the registry.
	ErrUnknownAddress = errors.New("unknown address")
	// ErrNullAddress marks a free of address 0, which the host treats as a no-op.
	ErrNullAddress = errors.New("null address")
	// ErrCapacityExceeded is returned when a range query does not fit the
	// caller's buffer or the engine's maximum.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrPreconditionViolation covers calls made in the wrong kernel state.
	ErrPreconditionViolation = errors.New("precondition violation")
	ErrDivisionByZero        = errors.New("division by zero")
	ErrUnknownTool           = errors.New("unsupported or unknown tool")
)
