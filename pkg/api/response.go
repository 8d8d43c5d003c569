package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is the standard API response wrapper. Status is "ok" or
// "error"; Data carries the payload and Pagination is present on list
// responses.
type Response struct {
	Status     string      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Pagination describes the window of a list response.
type Pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"status":"error","error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// OKResponse creates a successful response.
func OKResponse(data any) Response {
	return Response{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// ListResponse creates a successful paginated response.
func ListResponse(data any, p Pagination) Response {
	return Response{
		Status:     "ok",
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: &p,
	}
}

// ErrorResponse creates an error response.
func ErrorResponse(errMsg string) Response {
	return Response{
		Status:    "error",
		Timestamp: time.Now().UTC(),
		Error:     errMsg,
	}
}
