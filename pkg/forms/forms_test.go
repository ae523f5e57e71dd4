package forms_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/authclient/internal/stubserver"
	"github.com/aussiebroadwan/authclient/pkg/authsdk"
	"github.com/aussiebroadwan/authclient/pkg/forms"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

// recorder is a Session that records calls instead of making them.
type recorder struct {
	calls []string
	err   error
}

func (r *recorder) Login(_ context.Context, c authsdk.Credentials) (*authsdk.User, error) {
	r.calls = append(r.calls, "login:"+c.Email)
	return &authsdk.User{ID: "1", Email: c.Email}, r.err
}

func (r *recorder) Register(_ context.Context, req authsdk.RegisterRequest) (*authsdk.User, error) {
	r.calls = append(r.calls, "register:"+req.Email+":"+req.Name)
	return &authsdk.User{ID: "1", Email: req.Email}, r.err
}

func (r *recorder) ResetPassword(_ context.Context, email string) error {
	r.calls = append(r.calls, "reset:"+email)
	return r.err
}

func (r *recorder) VerifyEmail(_ context.Context, code, email string) error {
	r.calls = append(r.calls, "verify:"+code+":"+email)
	return r.err
}

func (r *recorder) ResendCode(_ context.Context, email string) error {
	r.calls = append(r.calls, "resend:"+email)
	return r.err
}

func TestLoginForm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		form   forms.LoginForm
		fields []string
	}{
		{name: "valid", form: forms.LoginForm{Email: " a@b.com ", Password: "x"}},
		{name: "missing everything", form: forms.LoginForm{}, fields: []string{"email", "password"}},
		{name: "bad email", form: forms.LoginForm{Email: "not-an-email", Password: "x"}, fields: []string{"email"}},
		{name: "no tld", form: forms.LoginForm{Email: "a@b", Password: "x"}, fields: []string{"email"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s recorder
			_, err := tt.form.Submit(context.Background(), &s)
			if len(tt.fields) == 0 {
				require.NoError(t, err)
				require.Equal(t, []string{"login:a@b.com"}, s.calls)
				return
			}

			require.True(t, authsdk.IsKind(err, authsdk.KindValidation))
			require.Empty(t, s.calls, "validation failures must not reach the session")
			fields := forms.FieldErrors(err)
			require.Len(t, fields, len(tt.fields))
			for _, f := range tt.fields {
				require.Contains(t, fields, f)
			}
		})
	}
}

func TestRegisterForm(t *testing.T) {
	t.Parallel()

	valid := forms.RegisterForm{
		Email:           "grace@example.com",
		Password:        "hunter22hunter",
		ConfirmPassword: "hunter22hunter",
		Name:            " Grace ",
	}
	require.Nil(t, valid.Validate())

	var s recorder
	_, err := valid.Submit(context.Background(), &s)
	require.NoError(t, err)
	require.Equal(t, []string{"register:grace@example.com:Grace"}, s.calls)

	tests := []struct {
		name   string
		mutate func(*forms.RegisterForm)
		field  string
		msg    string
	}{
		{"short password", func(f *forms.RegisterForm) { f.Password, f.ConfirmPassword = "short", "short" }, "password", "too short (min 8)"},
		{"long password", func(f *forms.RegisterForm) {
			f.Password = strings.Repeat("x", 129)
			f.ConfirmPassword = f.Password
		}, "password", "too long (max 128)"},
		{"mismatch", func(f *forms.RegisterForm) { f.ConfirmPassword = "something else" }, "confirm_password", "passwords do not match"},
		{"long name", func(f *forms.RegisterForm) { f.Name = strings.Repeat("n", 65) }, "name", "too long (max 64)"},
		{"missing email", func(f *forms.RegisterForm) { f.Email = "" }, "email", "required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid
			tt.mutate(&f)
			require.Equal(t, tt.msg, f.Validate()[tt.field])
		})
	}
}

func TestVerificationPrompt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		form forms.VerificationPrompt
		msg  string
	}{
		{name: "six digits", form: forms.VerificationPrompt{Code: "123456"}},
		{name: "three digits", form: forms.VerificationPrompt{Code: "123"}, msg: "must be 6 digits"},
		{name: "letters", form: forms.VerificationPrompt{Code: "12a456"}, msg: "must contain digits only"},
		{name: "empty", form: forms.VerificationPrompt{}, msg: "required"},
		{name: "custom length", form: forms.VerificationPrompt{Code: "1234", Length: 4}},
		{name: "custom length mismatch", form: forms.VerificationPrompt{Code: "123456", Length: 4}, msg: "must be 4 digits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.form.Validate()
			if tt.msg == "" {
				require.Nil(t, errs)
				return
			}
			require.Equal(t, tt.msg, errs["code"])
		})
	}

	// An optional email is still checked when given.
	errs := forms.VerificationPrompt{Code: "123456", Email: "nope"}.Validate()
	require.Equal(t, "invalid email address", errs["email"])
}

func TestEmailOnlyForms(t *testing.T) {
	t.Parallel()

	var s recorder
	require.NoError(t, forms.ResetPasswordForm{Email: "a@b.com"}.Submit(context.Background(), &s))
	require.NoError(t, forms.ResendCodeForm{Email: "a@b.com"}.Submit(context.Background(), &s))
	require.Equal(t, []string{"reset:a@b.com", "resend:a@b.com"}, s.calls)

	s.calls = nil
	require.Error(t, forms.ResetPasswordForm{Email: "a@"}.Submit(context.Background(), &s))
	require.Error(t, forms.ResendCodeForm{}.Submit(context.Background(), &s))
	require.Empty(t, s.calls)
}

func TestMessage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", forms.Message(nil))
	require.Equal(t, "Something went wrong, please try again", forms.Message(errors.New("boom")))

	_, submitErr := forms.LoginForm{}.Submit(context.Background(), &recorder{})
	require.Equal(t, "please correct the highlighted fields", forms.Message(submitErr))

	serverErr := &authsdk.Error{Kind: authsdk.KindAuth, Code: "user_not_found", Message: "User not found", StatusCode: 404}
	var s recorder
	s.err = serverErr
	require.Equal(t, "User not found", forms.Message(forms.ResetPasswordForm{Email: "a@b.com"}.Submit(context.Background(), &s)))
	require.Nil(t, forms.FieldErrors(serverErr))
}

// A short code is rejected before the network; the right length reaches the
// server and verifies the account.
func TestVerificationPromptAgainstServer(t *testing.T) {
	t.Parallel()

	stub, err := stubserver.New(stubserver.Config{
		Secret: []byte("test-secret-test-secret-test-secret"),
		Logger: slogx.Discard(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	cfg, err := authsdk.DefaultConfig().With(
		authsdk.WithBaseURL(srv.URL),
		authsdk.WithStorage("memory"),
		authsdk.WithAutoRefresh(false, 0, time.Minute),
	)
	require.NoError(t, err)
	ctrl, err := authsdk.New(cfg, authsdk.Options{Logger: slogx.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })

	ctx := context.Background()
	_, err = forms.RegisterForm{
		Email:           "new@example.com",
		Password:        "long enough password",
		ConfirmPassword: "long enough password",
	}.Submit(ctx, ctrl)
	require.NoError(t, err)
	code, ok := stub.VerificationCode("new@example.com")
	require.True(t, ok)
	calls := stub.TotalCalls()

	err = forms.VerificationPrompt{Code: "123"}.Submit(ctx, ctrl)
	require.True(t, authsdk.IsKind(err, authsdk.KindValidation))
	require.Equal(t, calls, stub.TotalCalls())

	require.NoError(t, forms.VerificationPrompt{Code: code}.Submit(ctx, ctrl))
	require.Equal(t, 1, stub.Calls(stubserver.PathVerifyEmail))
	require.True(t, stub.IsVerified("new@example.com"))
}
