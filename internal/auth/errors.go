package auth

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	// ErrAuthExpired matches any *APIError with status 401.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrServer matches any *APIError with a 5xx status.
	ErrServer = errors.New("server error")

	ErrNoRefreshToken = errors.New("no refresh token available")
	ErrRefreshFailed  = errors.New("token refresh failed")
)

// APIError is a response with a status of 400 or above.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	// Message is the server-provided message, if the body carried one.
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("request failed: %s %s (status: %d): %s", e.Method, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request failed: %s %s (status: %d)", e.Method, e.URL, e.StatusCode)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthExpired:
		return e.StatusCode == http.StatusUnauthorized
	case ErrServer:
		return e.StatusCode >= 500 && e.StatusCode < 600
	}
	return false
}

// NetworkError is a request that got no response at all.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request failed: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StorageError is a failed read or write of persisted credentials.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError lists invalid input fields with a message for each.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

// IsTransient reports whether err is worth retrying: no response, or 5xx.
func IsTransient(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) || errors.Is(err, ErrServer)
}

// Message returns a short text for showing err to a user.
func Message(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Error()
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		if isTimeout(netErr.Err) {
			return "request timed out, try again"
		}
		return "connection error, check your internet connection"
	}
	return "something went wrong, try again"
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
