package gotrue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	ErrMissingURL     = errors.New("auth service URL is required")
	ErrMissingKey     = errors.New("auth API key is required")
	ErrInvalidURL     = errors.New("auth service URL is invalid")
	ErrSessionMissing = errors.New("auth session missing")
	// ErrCorruptItem is returned by a Storage whose stored bytes cannot be
	// decoded. The client discards such an item like an unreadable session.
	ErrCorruptItem = errors.New("stored item is corrupt")
)

// ConfigError reports a client that cannot be constructed from its options.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("auth client configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// APIError is a non-2xx response from the identity service.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth api error (status %d, %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("auth api error (status %d): %s", e.Status, e.Message)
}

// IsAPIError reports whether err is an APIError carrying one of the given statuses.
// With no statuses it matches any APIError.
func IsAPIError(err error, statuses ...int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if apiErr.Status == s {
			return true
		}
	}
	return false
}

// errorBody covers both the current and the legacy (OAuth style) error payloads.
type errorBody struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}

	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		apiErr.Message = string(data)
		return apiErr
	}

	apiErr.Code = body.ErrorCode
	if apiErr.Code == "" {
		apiErr.Code = body.Error
	}
	switch {
	case body.Msg != "":
		apiErr.Message = body.Msg
	case body.Message != "":
		apiErr.Message = body.Message
	case body.ErrorDescription != "":
		apiErr.Message = body.ErrorDescription
	default:
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
