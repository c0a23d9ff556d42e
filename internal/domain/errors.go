package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies broker failures.
type ErrorKind string

const (
	KindNotConfigured        ErrorKind = "not_configured"
	KindValidationInput      ErrorKind = "invalid_request"
	KindUpstreamRejected     ErrorKind = "upstream_rejected"
	KindConsentMissing       ErrorKind = "consent_missing"
	KindUnsupportedAlgorithm ErrorKind = "unsupported_algorithm"
	KindInvalidConsentKey    ErrorKind = "invalid_consent_key"
)

// Error carries a kind and the HTTP status it surfaces with.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

var (
	ErrNotConfigured        = &Error{Kind: KindNotConfigured}
	ErrValidationInput      = &Error{Kind: KindValidationInput}
	ErrUpstreamRejected     = &Error{Kind: KindUpstreamRejected}
	ErrConsentMissing       = &Error{Kind: KindConsentMissing}
	ErrUnsupportedAlgorithm = &Error{Kind: KindUnsupportedAlgorithm}
	ErrInvalidConsentKey    = &Error{Kind: KindInvalidConsentKey}
)

// NotConfigured reports a missing institution record, credential or endpoint.
func NotConfigured(format string, args ...any) *Error {
	return &Error{Kind: KindNotConfigured, Status: http.StatusInternalServerError, Message: fmt.Sprintf(format, args...)}
}

// ValidationInput reports a missing or malformed caller input.
func ValidationInput(format string, args ...any) *Error {
	return &Error{Kind: KindValidationInput, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// PayloadTooLarge reports a caller body over limit bytes.
func PayloadTooLarge(limit int64) *Error {
	return &Error{Kind: KindValidationInput, Status: http.StatusRequestEntityTooLarge, Message: fmt.Sprintf("request body exceeds %d bytes", limit)}
}

// UpstreamRejected keeps the institution's status, or 500 when there was none.
func UpstreamRejected(status int, message string, err error) *Error {
	if status < 400 {
		status = http.StatusInternalServerError
	}
	return &Error{Kind: KindUpstreamRejected, Status: status, Message: message, Err: err}
}

// ConsentMissing reports an absent grant for key.
func ConsentMissing(key ConsentKey) *Error {
	return &Error{
		Kind:    KindConsentMissing,
		Status:  http.StatusInternalServerError,
		Message: fmt.Sprintf("User [%s] has not yet given consent to access their %s (%s)", key.Username, key.Scope, key),
	}
}

// InvalidConsentKey reports a key with an empty component. It is raised by
// the broker's own bookkeeping, so it surfaces as a server error.
func InvalidConsentKey(key ConsentKey) *Error {
	return &Error{
		Kind:    KindInvalidConsentKey,
		Status:  http.StatusInternalServerError,
		Message: "Incorrect consent compositeKey [" + key.String() + "]",
	}
}

// UnsupportedAlgorithm reports that none of algs can be produced.
func UnsupportedAlgorithm(algs []string) *Error {
	return &Error{
		Kind:    KindUnsupportedAlgorithm,
		Status:  http.StatusInternalServerError,
		Message: fmt.Sprintf("no supported request object signing algorithm in [%s]", strings.Join(algs, ", ")),
	}
}

// StatusOf maps err to an HTTP status code.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// CodeOf maps err to a short error code for response bodies.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return string(e.Kind)
	}
	return "server_error"
}
