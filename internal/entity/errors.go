package entity

import "errors"

var (
	ErrDuplicateClass    = errors.New("entity class already linked")
	ErrUnknownClass      = errors.New("unknown entity class")
	ErrDuplicateVariable = errors.New("variable already registered")
	ErrUnknownVariable   = errors.New("unknown variable")
	ErrTooManyVariables  = errors.New("too many variables for class")
	ErrOutOfIds          = errors.New("no free entity ids")
	ErrUnknownEntity     = errors.New("unknown entity")
	ErrDuplicateEntity   = errors.New("entity id already in use")
	ErrTypeMismatch      = errors.New("variable type mismatch")
	ErrSizeMismatch      = errors.New("variable data size mismatch")
	ErrMessageTooLarge   = errors.New("entity message too large")
)
