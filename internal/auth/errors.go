package auth

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized marks a definitive rejection of the current credential.
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrLoginTimeout     = errors.New("external login timed out")
	errIdentityChanged  = errors.New("identity changed during refresh")
)

// APIError is the structured failure body returned by the auth endpoints:
// {"success": false, "error": {"code": "...", "message": "..."}}.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth api %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("auth api %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}
