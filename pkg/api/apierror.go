// Package api exposes the engine's HTTP control surface. Errors follow
// RFC 7807 (Problem Details for HTTP APIs) on every non-2xx response.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProblemDetail implements RFC 7807. All API error responses use this
// format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request trace.
	TraceID string `json:"trace_id,omitempty"`
	// Violations carries template validation failures.
	Violations []string `json:"violations,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes an RFC 7807 response enriched with request
// context.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string, violations []string) {
	problem := &ProblemDetail{
		Type:       fmt.Sprintf("https://veristage.io/errors/%d", status),
		Title:      title,
		Status:     status,
		Detail:     detail,
		Violations: violations,
	}
	if r != nil {
		problem.Instance = r.URL.Path
		problem.TraceID = w.Header().Get(requestIDHeader)
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusBadRequest, "Bad Request", detail, nil)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusNotFound, "Not Found", detail, nil)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusConflict, "Conflict", detail, nil)
}

// WriteInternal writes a 500 error response.
func WriteInternal(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error", detail, nil)
}
