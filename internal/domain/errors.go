package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidTransition means the record is no longer in the state the
	// caller expected. Observers treat it as a no-op.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrVersionConflict is returned by stores when a compare-and-swap on the
	// version column lost against a concurrent writer.
	ErrVersionConflict = errors.New("version conflict")
	// ErrTransientStore wraps store failures that are expected to clear on retry.
	ErrTransientStore = errors.New("transient store failure")
	// ErrPartialWrite marks journal/position disagreements found by the ledger audit.
	ErrPartialWrite = errors.New("partial write detected")

	ErrInvalidStake      = errors.New("stake must be positive")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidAddress    = errors.New("withdrawal address is required")
	ErrInvalidRole       = errors.New("invalid role")
	ErrInvalidDirection  = errors.New("direction must be up or down")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrUnknownTier       = errors.New("unknown duration tier")
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrRiskLimit         = errors.New("risk limit exceeded")
	ErrLockHeld          = errors.New("lock already held")
)
