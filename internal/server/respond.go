package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/momohq/momo/internal/llm"
	"github.com/momohq/momo/internal/storage"
)

// Envelope is the uniform response shape: exactly one of Data and Error is
// set; Meta carries pagination when the data is a page.
type Envelope struct {
	Data  any       `json:"data,omitempty"`
	Meta  *Meta     `json:"meta,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// Meta carries pagination fields for list responses.
type Meta struct {
	NextCursor string `json:"nextCursor,omitempty"`
	Total      int    `json:"total,omitempty"`
}

// APIError is the wire form of a failure.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes, snake_case on the wire.
const (
	codeInvalidRequest        = "invalid_request"
	codeNotFound              = "not_found"
	codeConflict              = "conflict"
	codeUnauthorized          = "unauthorized"
	codeRateLimited           = "rate_limited"
	codeDependencyUnavailable = "dependency_unavailable"
	codeInternal              = "internal"
)

func respondData(w http.ResponseWriter, status int, data any) {
	respondEnvelope(w, status, Envelope{Data: data})
}

func respondPage(w http.ResponseWriter, data any, meta Meta) {
	respondEnvelope(w, http.StatusOK, Envelope{Data: data, Meta: &meta})
}

func respondEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Printf("server: encode response failed: %v", err)
	}
}

// respondError maps domain errors onto the HTTP taxonomy. Anything
// unrecognized is an internal error and gets logged with context; the
// message is not leaked to the client.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var code string
	message := err.Error()

	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		status, code = http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, storage.ErrNotFound):
		status, code = http.StatusNotFound, codeNotFound
	case errors.Is(err, storage.ErrConflict):
		status, code = http.StatusConflict, codeConflict
	case errors.Is(err, llm.ErrCircuitOpen), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, codeDependencyUnavailable
	default:
		status, code = http.StatusInternalServerError, codeInternal
		log.Printf("server: %s %s failed: %v", r.Method, r.URL.Path, err)
		message = "internal error"
	}

	respondEnvelope(w, status, Envelope{Error: &APIError{Code: code, Message: message}})
}

func respondErrorCode(w http.ResponseWriter, status int, code, message string) {
	respondEnvelope(w, status, Envelope{Error: &APIError{Code: code, Message: message}})
}

// decodeJSON parses a request body into dst, rejecting unknown garbage
// with an invalid_request.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return errInvalid("malformed JSON body: %v", err)
	}
	return nil
}
