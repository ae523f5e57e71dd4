package forms

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aussiebroadwan/authclient/pkg/authsdk"
)

// Session is the part of *authsdk.Controller the forms drive.
type Session interface {
	Login(ctx context.Context, creds authsdk.Credentials) (*authsdk.User, error)
	Register(ctx context.Context, req authsdk.RegisterRequest) (*authsdk.User, error)
	ResetPassword(ctx context.Context, email string) error
	VerifyEmail(ctx context.Context, code, email string) error
	ResendCode(ctx context.Context, email string) error
}

var _ Session = (*authsdk.Controller)(nil)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
	MaxNameLength     = 64
	// DefaultCodeLength is the number of digits in a verification code.
	DefaultCodeLength = 6
)

const (
	reasonRequired = "required"
	reasonEmail    = "invalid email address"
)

var (
	reEmail = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	reDigit = regexp.MustCompile(`^[0-9]+$`)
)

// ============================================================================
// Login
// ============================================================================

type LoginForm struct {
	Email    string
	Password string
}

// Validate returns a map of field names to error messages, or nil if all
// fields are valid.
func (f LoginForm) Validate() map[string]string {
	errs := make(map[string]string)
	validateEmail(errs, "email", f.Email)
	if f.Password == "" {
		errs["password"] = reasonRequired
	}
	return nilIfEmpty(errs)
}

func (f LoginForm) Submit(ctx context.Context, s Session) (*authsdk.User, error) {
	if errs := f.Validate(); errs != nil {
		return nil, authsdk.NewValidationError("please correct the highlighted fields", errs)
	}
	return s.Login(ctx, authsdk.Credentials{
		Email:    strings.TrimSpace(f.Email),
		Password: f.Password,
	})
}

// ============================================================================
// Register
// ============================================================================

type RegisterForm struct {
	Email           string
	Password        string
	ConfirmPassword string
	Name            string
	// Extra is sent as additional top-level fields of the registration body.
	Extra map[string]any
}

func (f RegisterForm) Validate() map[string]string {
	errs := make(map[string]string)
	validateEmail(errs, "email", f.Email)

	switch pw := f.Password; {
	case pw == "":
		errs["password"] = reasonRequired
	case len(pw) < MinPasswordLength:
		errs["password"] = fmt.Sprintf("too short (min %d)", MinPasswordLength)
	case len(pw) > MaxPasswordLength:
		errs["password"] = fmt.Sprintf("too long (max %d)", MaxPasswordLength)
	}

	if f.ConfirmPassword != f.Password {
		errs["confirm_password"] = "passwords do not match"
	}

	if len(strings.TrimSpace(f.Name)) > MaxNameLength {
		errs["name"] = fmt.Sprintf("too long (max %d)", MaxNameLength)
	}
	return nilIfEmpty(errs)
}

func (f RegisterForm) Submit(ctx context.Context, s Session) (*authsdk.User, error) {
	if errs := f.Validate(); errs != nil {
		return nil, authsdk.NewValidationError("please correct the highlighted fields", errs)
	}
	return s.Register(ctx, authsdk.RegisterRequest{
		Email:    strings.TrimSpace(f.Email),
		Password: f.Password,
		Name:     strings.TrimSpace(f.Name),
		Extra:    f.Extra,
	})
}

// ============================================================================
// Password reset and verification
// ============================================================================

type ResetPasswordForm struct {
	Email string
}

func (f ResetPasswordForm) Validate() map[string]string {
	errs := make(map[string]string)
	validateEmail(errs, "email", f.Email)
	return nilIfEmpty(errs)
}

func (f ResetPasswordForm) Submit(ctx context.Context, s Session) error {
	if errs := f.Validate(); errs != nil {
		return authsdk.NewValidationError("please enter a valid email address", errs)
	}
	return s.ResetPassword(ctx, strings.TrimSpace(f.Email))
}

// VerificationPrompt collects a fixed-length numeric code. Email is optional.
type VerificationPrompt struct {
	Code  string
	Email string
	// Length is the expected number of digits. Zero means DefaultCodeLength.
	Length int
}

func (f VerificationPrompt) Validate() map[string]string {
	length := f.Length
	if length <= 0 {
		length = DefaultCodeLength
	}

	errs := make(map[string]string)
	code := strings.TrimSpace(f.Code)
	switch {
	case code == "":
		errs["code"] = reasonRequired
	case !reDigit.MatchString(code):
		errs["code"] = "must contain digits only"
	case len(code) != length:
		errs["code"] = fmt.Sprintf("must be %d digits", length)
	}

	if strings.TrimSpace(f.Email) != "" {
		validateEmail(errs, "email", f.Email)
	}
	return nilIfEmpty(errs)
}

func (f VerificationPrompt) Submit(ctx context.Context, s Session) error {
	if errs := f.Validate(); errs != nil {
		return authsdk.NewValidationError("please enter the code you received", errs)
	}
	return s.VerifyEmail(ctx, strings.TrimSpace(f.Code), strings.TrimSpace(f.Email))
}

type ResendCodeForm struct {
	Email string
}

func (f ResendCodeForm) Validate() map[string]string {
	errs := make(map[string]string)
	validateEmail(errs, "email", f.Email)
	return nilIfEmpty(errs)
}

func (f ResendCodeForm) Submit(ctx context.Context, s Session) error {
	if errs := f.Validate(); errs != nil {
		return authsdk.NewValidationError("please enter a valid email address", errs)
	}
	return s.ResendCode(ctx, strings.TrimSpace(f.Email))
}

// ============================================================================
// Rendering helpers
// ============================================================================

// FieldErrors returns the per-field problems carried by err, or nil.
func FieldErrors(err error) map[string]string {
	var e *authsdk.Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// Message returns the text to show next to a form for err. Empty for nil.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *authsdk.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "Something went wrong, please try again"
}

func validateEmail(errs map[string]string, field, email string) {
	email = strings.TrimSpace(email)
	switch {
	case email == "":
		errs[field] = reasonRequired
	case len(email) > 254 || !reEmail.MatchString(email):
		errs[field] = reasonEmail
	}
}

func nilIfEmpty(errs map[string]string) map[string]string {
	if len(errs) == 0 {
		return nil
	}
	return errs
}
