// Package api carries the HTTP plumbing shared by every spine endpoint:
// RFC 7807 problem responses, request correlation, rate limiting, CORS,
// and bearer auth for the governance surface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/brandmeonline/integrity-spine/pkg/errkind"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All spine error responses use this format.
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
	// RequestID links the response to server logs and the audit trail.
	RequestID string `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes an RFC 7807 response enriched with request context.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://spine.brandme.online/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	if r != nil {
		problem.Instance = r.URL.Path
		problem.RequestID = RequestID(r.Context())
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteKindError maps a typed error onto the wire. Internal errors never
// leak their cause; callers get the request id to correlate with logs.
func WriteKindError(w http.ResponseWriter, r *http.Request, err error) {
	status := errkind.HTTPStatus(errkind.KindOf(err))
	switch errkind.KindOf(err) {
	case errkind.Internal:
		WriteProblem(w, r, status, titleFor(status), "An internal error occurred. Reference the request_id when reporting.")
	case errkind.ResourceExhausted:
		w.Header().Set("Retry-After", "5")
		WriteProblem(w, r, status, titleFor(status), err.Error())
	case errkind.PermissionDenied:
		// Denied access stays diagnostic-free so the response cannot be
		// used to probe consent policies.
		WriteDenied(w)
	default:
		WriteProblem(w, r, status, titleFor(status), messageOf(err))
	}
}

// WriteDenied writes the uniform opaque denial body.
func WriteDenied(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "access_denied"})
}

// WriteValidation writes a 400 problem response.
func WriteValidation(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteJSON writes a JSON success body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON reads a JSON request body with a 1 MiB cap, rejecting unknown
// fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errkind.New(errkind.Validation, "invalid request body: %v", err)
	}
	return nil
}

func titleFor(status int) string {
	if t := http.StatusText(status); t != "" {
		return t
	}
	return "Error"
}

// messageOf strips wrapping noise by preferring the typed error's message.
func messageOf(err error) string {
	var e *errkind.Error
	if errors.As(err, &e) && e.Msg != "" {
		if e.Reason != "" {
			return fmt.Sprintf("%s (%s)", e.Msg, e.Reason)
		}
		return e.Msg
	}
	return err.Error()
}
