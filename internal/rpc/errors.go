package rpc

import (
	"errors"
	"net/http"

	"github.com/branchd-dev/sessionbridge/internal/gotrue"
)

const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeAuth         = "AUTH_ERROR"
	CodeInternal     = "INTERNAL_SERVER_ERROR"
)

// Error is a procedure failure meant for the caller.
type Error struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func BadRequest(message string, err error) *Error {
	return &Error{Code: CodeBadRequest, Status: http.StatusBadRequest, Message: message, Err: err}
}

func Unauthorized(err error) *Error {
	return &Error{Code: CodeUnauthorized, Status: http.StatusUnauthorized, Message: "Not signed in", Err: err}
}

func NotFound(message string) *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: message}
}

// errorPayload is the wire form of an error
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toPayload maps any procedure error onto a status and wire error. Auth
// service errors keep their status and message; anything unknown is an
// internal error whose details stay in the log.
func toPayload(err error) (int, errorPayload) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Status, errorPayload{Code: rpcErr.Code, Message: rpcErr.Message}
	}

	var apiErr *gotrue.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status, errorPayload{Code: CodeAuth, Message: apiErr.Message}
	}

	return http.StatusInternalServerError, errorPayload{Code: CodeInternal, Message: "Internal server error"}
}
