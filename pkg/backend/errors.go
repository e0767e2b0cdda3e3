package backend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a structured backend-call failure. Validation-class errors
// may carry suggested alternative queries; retryable errors get a retry
// affordance in the UI.
type APIError struct {
	Status      int      `json:"-"`
	Message     string   `json:"error"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: HTTP %d", e.Status)
	}
	return fmt.Sprintf("backend: %s (HTTP %d)", e.Message, e.Status)
}

// Retryable reports whether resubmitting the same request may succeed.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Validation reports whether the request itself was rejected as invalid.
func (e *APIError) Validation() bool {
	return e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity
}

func apiErrorFromResponse(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
