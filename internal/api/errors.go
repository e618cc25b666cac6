package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/PiotrMackowski/ClosedSTIG/internal/audit"
	"github.com/PiotrMackowski/ClosedSTIG/internal/safexml"
	"github.com/PiotrMackowski/ClosedSTIG/internal/upload"
	"github.com/PiotrMackowski/ClosedSTIG/internal/xccdf"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		loggerFrom(r.Context()).WithError(err).Error("Failed to encode response")
	}
}

// writeError maps known error kinds to a status and a client-safe message.
// Anything unrecognised is a 500 with a generic message; the cause is only
// logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(err)
	log := loggerFrom(r.Context()).WithError(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.WithField("status", status).Debug("Request rejected")
	}
	writeJSON(w, r, status, errorBody{Error: msg})
}

func classify(err error) (int, string) {
	var (
		uploadErr     *upload.Error
		validationErr *audit.ValidationError
		maxBytesErr   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &uploadErr):
		if uploadErr.Kind == upload.KindTooLarge {
			return http.StatusRequestEntityTooLarge, uploadErr.Message
		}
		return http.StatusBadRequest, uploadErr.Message
	case errors.As(err, &maxBytesErr), errors.Is(err, safexml.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "request body too large"
	case errors.Is(err, safexml.ErrForbiddenDirective):
		return http.StatusBadRequest, "xml document contains a forbidden directive"
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, validationErr.Error()
	case errors.Is(err, audit.ErrNotFound), errors.Is(err, xccdf.ErrUnknownBenchmark):
		return http.StatusNotFound, "not found"
	case errors.Is(err, audit.ErrNotCancellable):
		return http.StatusConflict, "audit job can no longer be cancelled"
	case errors.Is(err, audit.ErrNoAssignments):
		return http.StatusBadRequest, audit.ErrNoAssignments.Error()
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

// errBadRequest marks request-shape errors raised by the handlers.
var errBadRequest = errors.New("bad request")
