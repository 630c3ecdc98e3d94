package app

import "errors"

var (
	// ErrForbidden indicates the caller does not own the requested resource.
	ErrForbidden = errors.New("forbidden")
)
