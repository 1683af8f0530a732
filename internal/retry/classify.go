package retry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Class is the failure category used to pick a recovery strategy.
type Class int

const (
	ClassUnknown Class = iota
	ClassAuth
	ClassConnection
	ClassValidation
)

func (c Class) String() string {
	switch c {
	case ClassAuth:
		return "auth"
	case ClassConnection:
		return "connection"
	case ClassValidation:
		return "validation"
	default:
		return "unknown"
	}
}

var (
	ErrAuth              = errors.New("authentication failed")
	ErrConnection        = errors.New("connection error")
	ErrValidation        = errors.New("validation error")
	ErrDeviceUnavailable = errors.New("device unavailable")
)

func (c Class) sentinel() error {
	switch c {
	case ClassAuth:
		return ErrAuth
	case ClassValidation:
		return ErrValidation
	default:
		return ErrConnection
	}
}

// AuthErrorCode is the cloud's "token validation failed" code.
const AuthErrorCode = 5032

var (
	authMarkers       = []string{"token", "401", "unauthorized", "authentication"}
	connectionMarkers = []string{
		"connection", "timeout", "timed out", "network", "refused", "reset by peer",
		"eof", "no such host", "unavailable", "rate limited", "deadline exceeded",
	}
	validationMarkers = []string{"invalid", "parameter", "not writable", "not support", "out of range", "validation"}
)

// Error carries the class a failure was put in after retries were exhausted
// or skipped.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Err, e.Class.sentinel()}
}

// Wrap classifies err unless it already carries a class.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return &Error{Class: Classify(err), Err: err}
}

type coded interface {
	ErrorCode() int
}

// Classify inspects the error payload (API code and text) rather than the Go
// type, because the transport reports auth and validation failures through
// the same envelope.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	switch {
	case errors.Is(err, ErrAuth):
		return ClassAuth
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrConnection), errors.Is(err, context.DeadlineExceeded):
		return ClassConnection
	}

	code := 0
	var c coded
	if errors.As(err, &c) {
		code = c.ErrorCode()
	}
	text := strings.ToLower(err.Error())

	if code == AuthErrorCode || code == 401 || containsAny(text, authMarkers) {
		return ClassAuth
	}
	if code == 429 || code >= 500 && code < 600 || containsAny(text, connectionMarkers) {
		return ClassConnection
	}
	if code >= 400 && code < 500 || containsAny(text, validationMarkers) {
		return ClassValidation
	}
	return ClassUnknown
}

// IsAuth reports whether err looks like an expired or rejected credential.
func IsAuth(err error) bool {
	return err != nil && Classify(err) == ClassAuth
}

func containsAny(text string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// CodeString is used by callers that log the numeric cloud code.
func CodeString(err error) string {
	var c coded
	if errors.As(err, &c) {
		return strconv.Itoa(c.ErrorCode())
	}
	return ""
}
