package authsdk

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseErrorResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		code    string
		message string
	}{
		{
			name:    "code and message",
			status:  http.StatusNotFound,
			body:    `{"code":"user_not_found","message":"User not found"}`,
			code:    "user_not_found",
			message: "User not found",
		},
		{
			name:    "message only on 401",
			status:  http.StatusUnauthorized,
			body:    `{"message":"Token expired"}`,
			code:    CodeAuthFailed,
			message: "Token expired",
		},
		{
			name:    "oauth2 shape",
			status:  http.StatusBadRequest,
			body:    `{"error":"invalid_grant","error_description":"refresh token revoked"}`,
			code:    "invalid_grant",
			message: "refresh token revoked",
		},
		{
			name:    "empty body",
			status:  http.StatusBadGateway,
			body:    ``,
			code:    CodeUnknown,
			message: "HTTP 502: Bad Gateway",
		},
		{
			name:    "html body on 401",
			status:  http.StatusUnauthorized,
			body:    `<html>nope</html>`,
			code:    CodeAuthFailed,
			message: "HTTP 401: Unauthorized",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := parseErrorResponse(tt.status, []byte(tt.body))
			require.Equal(t, KindAuth, e.Kind)
			require.Equal(t, tt.code, e.Code)
			require.Equal(t, tt.message, e.Message)
			require.Equal(t, tt.status, e.StatusCode)
		})
	}
}

func TestParseErrorResponseDetails(t *testing.T) {
	t.Parallel()

	e := parseErrorResponse(http.StatusUnprocessableEntity,
		[]byte(`{"code":"invalid_request","message":"bad input","details":{"email":"taken"}}`))
	require.Equal(t, map[string]string{"email": "taken"}, e.Fields)
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	e := &Error{
		Code:       CodeValidation,
		Message:    "invalid input",
		Fields:     map[string]string{"password": "too short", "email": "required"},
		StatusCode: 0,
	}
	require.Equal(t, "validation_error: invalid input (email: required, password: too short)", e.Error())

	e = &Error{Code: "user_not_found", Message: "User not found", StatusCode: 404}
	require.Equal(t, "user_not_found: User not found [HTTP 404]", e.Error())
}

func TestErrorMatching(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	e := networkError(cause)
	wrapped := fmt.Errorf("login: %w", e)

	require.True(t, IsKind(wrapped, KindNetwork))
	require.True(t, IsCode(wrapped, CodeNetwork))
	require.ErrorIs(t, wrapped, cause)
	require.Equal(t, 0, StatusCode(wrapped))

	missing := &Error{Kind: KindAuth, Code: CodeRefreshTokenMissing}
	require.ErrorIs(t, missing, ErrRefreshTokenMissing)
	require.NotErrorIs(t, missing, ErrAuthFailed)

	require.Equal(t, 404, StatusCode(&Error{StatusCode: 404}))
	require.False(t, IsCode(cause, CodeNetwork))
}

func TestAsError(t *testing.T) {
	t.Parallel()

	require.Nil(t, asError(nil))

	e := &Error{Code: "x"}
	require.Same(t, e, asError(fmt.Errorf("wrapped: %w", e)))

	plain := asError(errors.New("boom"))
	require.Equal(t, CodeUnknown, plain.Code)
	require.Equal(t, "boom", plain.Message)
}
