// Package handlers implements the HTTP handlers of the upload API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/nomad-lab/nomad-core/pkg/bundle"
	"github.com/nomad-lab/nomad-core/pkg/controller"
	"github.com/nomad-lab/nomad-core/pkg/files"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
)

// envelope mirrors the response wrapper of the api package. Handlers keep
// their own copy so the packages do not import each other.
type envelope struct {
	Status     string      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, `{"status":"error","error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

func ok(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

func okList(w http.ResponseWriter, data any, page, pageSize int, total int64) {
	writeJSON(w, http.StatusOK, envelope{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Data:      data,
		Pagination: &pagination{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
		},
	})
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{
		Status:    "error",
		Timestamp: time.Now().UTC(),
		Error:     msg,
	})
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrUploadNotFound),
		errors.Is(err, models.ErrEntryNotFound),
		errors.Is(err, models.ErrUserNotFound),
		errors.Is(err, models.ErrDatasetNotFound),
		errors.Is(err, files.ErrPathNotFound):
		fail(w, http.StatusNotFound, err.Error())

	case errors.Is(err, models.ErrNotAuthorized):
		fail(w, http.StatusForbidden, err.Error())

	case errors.Is(err, models.ErrProcessAlreadyRunning):
		fail(w, http.StatusConflict, err.Error())

	case errors.Is(err, models.ErrUploadPublished),
		errors.Is(err, models.ErrUploadNotPublished),
		errors.Is(err, controller.ErrUploadLimitExceeded),
		errors.Is(err, controller.ErrInvalidEmbargo),
		errors.Is(err, controller.ErrNoProcessedEntries),
		errors.Is(err, controller.ErrLastProcessFailed),
		errors.Is(err, controller.ErrNoCentralDeployment),
		errors.Is(err, controller.ErrMetadataNotEditable),
		errors.Is(err, controller.ErrNotEmbargoed),
		errors.Is(err, bundle.ErrInvalidBundle),
		errors.Is(err, bundle.ErrVersionTooOld),
		errors.Is(err, bundle.ErrMissingContent),
		errors.Is(err, bundle.ErrImportNotAllowed):
		fail(w, http.StatusBadRequest, err.Error())

	default:
		fail(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeJSONBody decodes a JSON request body into the provided pointer.
// Returns false after writing a 400 response when decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		fail(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
