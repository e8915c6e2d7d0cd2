package common

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthentication marks expired credentials or a verification challenge.
	ErrAuthentication = errors.New("authentication failed")
	// ErrNetwork marks transport failures that are safe to retry.
	ErrNetwork = errors.New("network error")
	// ErrTimeout marks calls that exceeded their deadline.
	ErrTimeout = errors.New("timeout")
	// ErrValidation marks malformed price, quantity or symbol input.
	ErrValidation = errors.New("validation error")
)

// APIError is a non-success venue response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d code %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap lets errors.Is match ErrAuthentication for credential failures.
func (e *APIError) Unwrap() error {
	if IsAuthFailure(e.Status, e.Code, e.Message) {
		return ErrAuthentication
	}
	return nil
}

var authCodes = map[string]bool{
	"100001005": true, // login expired
	"100002001": true, // please log in
	"100001004": true,
	"-2015":     true,
	"-2014":     true,
}

var authPhrases = []string{
	"please log in",
	"login expired",
	"not logged in",
	"session expired",
	"verification required",
	"additional verification",
	"csrftoken",
	"invalid token",
	"unauthorized",
}

// IsAuthFailure recognizes the venue's known credential-failure responses.
func IsAuthFailure(status int, code, message string) bool {
	if status == 401 || status == 403 {
		return true
	}
	if authCodes[code] {
		return true
	}
	msg := strings.ToLower(message)
	for _, p := range authPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Retryable reports whether err is transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}
