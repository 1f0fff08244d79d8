package messaging

import "errors"

var (
	ErrEmptyQueue       = errors.New("messaging: queue name cannot be empty")
	ErrNilHandler       = errors.New("messaging: handler cannot be nil")
	ErrNoBindings       = errors.New("messaging: topic consumer has no bindings")
	ErrNoCallback       = errors.New("messaging: topic consumer has no callback")
	ErrAlreadyConsuming = errors.New("messaging: consumer is already consuming")
	ErrCancelled        = errors.New("messaging: consumer was cancelled")
)
