// Package errors defines the API error type returned to clients.
//
// Every user-visible failure is an *Error carrying one of the fixed integer
// codes below. The transport layer renders it as {"code": N, "error": "..."}
// and maps the code to an HTTP status; nothing else ever leaks out.
package errors

import (
	"errors"
	"fmt"
)

// Error codes. The numbering is fixed wire format; do not renumber.
const (
	InternalServerError = 1

	ObjectNotFound      = 101
	InvalidQuery        = 102
	InvalidClassName    = 103
	MissingObjectID     = 104
	InvalidKeyName      = 105
	InvalidJSON         = 107
	CommandUnavailable  = 108
	IncorrectType       = 111
	InvalidDeviceToken  = 114
	OperationForbidden  = 119
	InvalidACL          = 123
	InvalidEmailAddress = 125
	DuplicateValue      = 137
	InvalidRoleName     = 139
	ScriptFailed        = 141

	// Installation dedup errors keep their historical numeric-only codes.
	InstallationIDMismatch = 132
	MissingInstallationID  = 135
	InstallationFieldFixed = 136

	UsernameMissing      = 200
	PasswordMissing      = 201
	UsernameTaken        = 202
	EmailTaken           = 203
	SessionMissing       = 206
	AccountAlreadyLinked = 208
	InvalidSessionToken  = 209

	UnsupportedService = 252
)

// Error is an API-visible error with a wire code.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New returns an *Error with the given code and message.
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the wire code from err. Errors that are not *Error are
// internal failures and report InternalServerError.
func CodeOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return InternalServerError
}

// MessageOf returns the client-safe message for err. Internal errors are
// masked so no detail leaks.
func MessageOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return "Internal server error."
}

// Wrap returns err unchanged if it already carries a wire code, and wraps
// anything else under the given code.
func Wrap(code int, err error) error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return err
	}
	return &Error{Code: code, Message: err.Error()}
}
