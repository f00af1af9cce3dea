package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing request input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a participant, session, response or invite does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConfiguration marks an unsupported group or a missing pool mapping.
	ErrConfiguration = errors.New("configuration error")
	// ErrConstraintViolation is reported by stores when a uniqueness constraint rejects a write.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrExpired indicates an invite past its expiry.
	ErrExpired = errors.New("expired")
)

// Validationf builds an ErrValidation with a human-readable message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Configurationf builds an ErrConfiguration with a human-readable message.
func Configurationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// NotFound reports a missing entity.
func NotFound(entity string) error {
	return fmt.Errorf("%s %w", entity, ErrNotFound)
}

// StoreError wraps a backend failure with the operation that produced it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "store " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

// WrapStore wraps err as a StoreError unless it is nil or already a domain kind
// that callers match on.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConstraintViolation) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
