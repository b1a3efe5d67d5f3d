package dav

import (
	"errors"
	"log"
	"net/http"

	"github.com/maneesh/drivebridge/internal/bridgerr"
)

// statusFor maps the error taxonomy to protocol status codes. Anything
// outside the taxonomy is an internal error and its details stay out
// of the response.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bridgerr.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, bridgerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bridgerr.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, bridgerr.ErrConcurrencyLimitExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, bridgerr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, bridgerr.ErrInvalidOperation):
		return http.StatusForbidden
	case errors.Is(err, bridgerr.ErrBackendUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, bridgerr.ErrPartialUploadExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("Internal error: %v", err)
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, http.StatusText(status), status)
}
