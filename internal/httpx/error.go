// Package httpx writes the JSON bodies of the /api endpoints.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// Error is the JSON error body of the /api endpoints.
type Error struct {
	Code      string    `json:"error"`
	Message   string    `json:"message"`
	Status    int       `json:"status"`
	RequestID string    `json:"request_id,omitempty"`
	Upstream  *Upstream `json:"upstream,omitempty"`
	Failed    []Failure `json:"failed,omitempty"`
}

// Upstream describes the population API response behind an error.
type Upstream struct {
	Endpoint string `json:"endpoint"`
	Status   int    `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Failure names one prefecture whose composition could not be fetched.
type Failure struct {
	Code    int    `json:"code"`
	Label   string `json:"label"`
	Message string `json:"message"`
}

// NewError returns an error body; a zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clip(code, 80),
		Message: clip(message, 512),
		Status:  status,
	}
}

// WithUpstream records what the population API answered.
func (e Error) WithUpstream(u Upstream) Error {
	u.Message = clip(u.Message, 256)
	e.Upstream = &u
	return e
}

// WithFailures lists the prefectures that could not be fetched.
func (e Error) WithFailures(failed []Failure) Error {
	e.Failed = append([]Failure(nil), failed...)
	return e
}

// WriteError writes e with the request id of ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, e Error) {
	if e.Status == 0 {
		e.Status = http.StatusInternalServerError
	}
	if e.RequestID == "" {
		e.RequestID = clip(middleware.GetReqID(ctx), 80)
	}
	WriteJSON(w, e.Status, e)
}

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clip(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = strings.ToValidUTF8(value[:limit], "")
	}
	return value
}
