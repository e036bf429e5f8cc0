// Package api writes RFC 7807 problem responses with the spine's stable
// error codes.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeUnauthorizedScope Code = "MCP-AUT-010"
	CodeResourceDenied    Code = "MCP-AUT-011"
	CodeInvalidRequest    Code = "MCP-VAL-020"
	CodeRateLimited       Code = "MCP-RAT-040"
	CodeInvalidTransition Code = "MCP-STA-050"
	CodeNotFound          Code = "MCP-NF-404"
	CodeInternal          Code = "MCP-UNK-900"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     Code   `json:"code"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID carries the X-Request-ID of the failing request.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s (%s): %s", p.Title, p.Code, p.Detail)
}

// WriteError writes a problem response. The request, when given, adds the
// instance path and trace id.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code Code, title, detail string) {
	problem := &ProblemDetail{
		Type:    fmt.Sprintf("https://spine.naos.local/errors/%s", code),
		Title:   title,
		Status:  status,
		Code:    code,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, CodeInvalidRequest, "Bad Request", detail)
}

func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, CodeUnauthorizedScope, "Unauthorized", detail)
}

// WriteForbidden is used when the caller lacks a required scope.
func WriteForbidden(w http.ResponseWriter, r *http.Request, code Code, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, r, http.StatusForbidden, code, "Forbidden", detail)
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, CodeNotFound, "Not Found", detail)
}

func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusConflict, CodeInvalidTransition, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 with Retry-After and the window state.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int, resetAt time.Time) {
	if retryAfterSecs < 1 {
		retryAfterSecs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
	WriteError(w, r, http.StatusTooManyRequests, CodeRateLimited, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal logs err and writes a 500 that does not expose it.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	if r != nil {
		slog.ErrorContext(r.Context(), "internal server error", "error", err, "path", r.URL.Path)
	} else {
		slog.Error("internal server error", "error", err)
	}
	WriteError(w, r, http.StatusInternalServerError, CodeInternal, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
