package pantmig

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotAuthenticated is returned by operations that require a session when
// no usable credentials are on hand.
var ErrNotAuthenticated = errors.New("pantmig: not authenticated")

// ErrRefreshSuperseded reports that a refresh resolved after the session was
// logged out; its result has been discarded.
var ErrRefreshSuperseded = errors.New("pantmig: refresh superseded by logout")

// APIError is a non-2xx response from the PantMig API.
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`

	// Message is the server's human-readable error, when it sent one.
	Message string `json:"errorMessage"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("pantmig: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("pantmig: HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsAuthRejection reports whether the server rejected the credentials rather
// than the request.
func (e *APIError) IsAuthRejection() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// parseErrorResponse turns a non-2xx response body into a typed *APIError.
// Returns nil for 2xx responses.
func parseErrorResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}

	// The API wraps errors as {"errorMessage": "..."}; tolerate anything else.
	var payload struct {
		ErrorMessage string `json:"errorMessage"`
		Message      string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.ErrorMessage != "" {
			apiErr.Message = payload.ErrorMessage
		} else {
			apiErr.Message = payload.Message
		}
	}

	return apiErr
}
