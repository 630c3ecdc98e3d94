package domain

import (
	"errors"
	"fmt"
)

// Error kinds callers branch on with errors.Is. Every error leaving a core
// component wraps exactly one of these sentinels.
var (
	// ErrValidation marks malformed caller input, rejected before any mutation.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown account, execution, idea, or credential.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientCredits marks a refused ledger consume. User-actionable,
	// not a system fault.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrProvider marks a generation failure after both primary and fallback
	// attempts.
	ErrProvider = errors.New("provider error")
	// ErrDecryption marks a tampered record or key mismatch in the vault.
	ErrDecryption = errors.New("decryption error")
	// ErrConfig marks missing or invalid startup configuration. Fatal.
	ErrConfig = errors.New("config error")
	// ErrPersistence marks a storage layer failure.
	ErrPersistence = errors.New("persistence error")
)

// Validationf builds an ErrValidation-wrapped error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf builds an ErrNotFound-wrapped error.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Persistencef wraps a storage failure so callers can branch on kind while
// keeping the underlying cause in the chain.
func Persistencef(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
