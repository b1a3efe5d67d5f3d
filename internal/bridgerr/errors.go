package bridgerr

import "errors"

// Sentinel errors for every user-visible failure kind. Internal
// failures are wrapped with %w so errors.Is dispatch works across
// package boundaries; the protocol front end maps these to status
// codes and never exposes anything else.
var (
	ErrUnauthorized             = errors.New("unauthorized")
	ErrNotFound                 = errors.New("not found")
	ErrQuotaExceeded            = errors.New("quota exceeded")
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")
	ErrConflict                 = errors.New("conflict")
	ErrInvalidOperation         = errors.New("invalid operation")
	ErrBackendUnavailable       = errors.New("backend unavailable")
	ErrPartialUploadExpired     = errors.New("partial upload expired")
)
