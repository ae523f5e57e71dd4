package authsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Kind is the broad class of an Error.
type Kind string

const (
	// KindValidation is local input that never reached the network.
	KindValidation Kind = "validation"
	// KindNetwork is a transport failure with no response.
	KindNetwork Kind = "network"
	// KindAuth is a failure reported by, or derived from, the auth server.
	KindAuth Kind = "auth"
	// KindStorage is a failure persisting tokens.
	KindStorage Kind = "storage"
)

// Machine-readable codes produced by the client itself. Codes returned by the
// server are passed through verbatim.
const (
	CodeValidation          = "validation_error"
	CodeNetwork             = "network_error"
	CodeAuthFailed          = "auth_failed"
	CodeRefreshTokenMissing = "refresh_token_missing"
	CodeRefreshError        = "refresh_error"
	CodeUnknown             = "unknown_error"
	CodeStorage             = "storage_error"
)

// Error is the single error type returned by this package.
type Error struct {
	Kind Kind

	// Code is machine readable, e.g. "auth_failed" or a server code.
	Code string

	// Message is human readable and safe to show to users.
	Message string

	// StatusCode is the HTTP status when the error came from a response.
	StatusCode int

	// Fields maps input names to problems for validation errors.
	Fields map[string]string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %s", k, e.Fields[k])
		}
		b.WriteString(")")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " [HTTP %d]", e.StatusCode)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

var (
	// ErrRefreshTokenMissing is returned when a refresh is needed but none is stored.
	ErrRefreshTokenMissing = &Error{Kind: KindAuth, Code: CodeRefreshTokenMissing, Message: "no refresh token available"}

	// ErrAuthFailed matches any 401 that could not be recovered.
	ErrAuthFailed = &Error{Kind: KindAuth, Code: CodeAuthFailed, Message: "authentication failed"}
)

// NewValidationError builds a KindValidation error from a field map.
func NewValidationError(message string, fields map[string]string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeValidation,
		Message: message,
		Fields:  fields,
	}
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

func networkError(err error) *Error {
	return &Error{
		Kind:    KindNetwork,
		Code:    CodeNetwork,
		Message: "could not reach the authentication server",
		Err:     err,
	}
}

func storageError(err error) *Error {
	return &Error{
		Kind:    KindStorage,
		Code:    CodeStorage,
		Message: "failed to persist session tokens",
		Err:     err,
	}
}

// asError normalises any error into an *Error so callers never see raw
// transport errors.
func asError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindAuth, Code: CodeUnknown, Message: err.Error(), Err: err}
}

// serverErrorBody is the preferred error shape: {"code": "...", "message": "..."}.
type serverErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// oauth2ErrorBody is the RFC 6749 shape some servers use instead.
type oauth2ErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// parseErrorResponse turns a non-2xx response into an *Error. It tries the
// {code,message} body, then the OAuth2 body, then falls back to the status.
func parseErrorResponse(status int, body []byte) *Error {
	var srv serverErrorBody
	if err := json.Unmarshal(body, &srv); err == nil && (srv.Code != "" || srv.Message != "") {
		code := srv.Code
		if code == "" {
			code = codeForStatus(status)
		}
		return &Error{
			Kind:       KindAuth,
			Code:       code,
			Message:    srv.Message,
			StatusCode: status,
			Fields:     srv.Details,
		}
	}

	var oauth oauth2ErrorBody
	if err := json.Unmarshal(body, &oauth); err == nil && oauth.Error != "" {
		return &Error{
			Kind:       KindAuth,
			Code:       oauth.Error,
			Message:    oauth.ErrorDescription,
			StatusCode: status,
		}
	}

	return &Error{
		Kind:       KindAuth,
		Code:       codeForStatus(status),
		Message:    fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status)),
		StatusCode: status,
	}
}

func codeForStatus(status int) string {
	if status == http.StatusUnauthorized {
		return CodeAuthFailed
	}
	return CodeUnknown
}
