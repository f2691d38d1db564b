package services

import (
	"errors"
	"net/http"

	"github.com/lib/pq"
)

// Operation failures surfaced to callers as structured responses. Absent
// and not-owned entities both map to ErrNotFound so a caller cannot
// enumerate another tenant's ids.
var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadyProcessed    = errors.New("already processed")
	ErrExpired             = errors.New("license expired")
	ErrHwidMismatch        = errors.New("hwid mismatch")
	ErrBanned              = errors.New("account banned")
	ErrConflict            = errors.New("already exists")
	ErrAppNotGranted       = errors.New("application not granted")
)

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientCredits):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyProcessed):
		return http.StatusBadRequest
	case errors.Is(err, ErrExpired), errors.Is(err, ErrHwidMismatch), errors.Is(err, ErrBanned):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrAppNotGranted):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// sendServiceError maps a service failure onto the shared JSON error
// envelope. Unrecognized errors are masked as internal failures.
func sendServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "An Internal Error Occurred"
	}
	SendErrorResponse(w, message, status, nil)
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// failure, used to translate duplicate inserts into ErrConflict or retries.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
