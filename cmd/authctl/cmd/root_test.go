package cmd

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/authclient/internal/stubserver"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestStub(t *testing.T) (*stubserver.Server, string) {
	t.Helper()

	stub, err := stubserver.New(stubserver.Config{
		Secret:        []byte("test-secret-test-secret-test-secret"),
		RotateRefresh: true,
		Logger:        slogx.Discard(),
	})
	require.NoError(t, err)
	_, err = stub.AddUser("ada@example.com", "correct horse battery", "Ada")
	require.NoError(t, err)

	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return stub, srv.URL
}

// run executes authctl with args and returns stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))

	err := root.Execute()
	return out.String(), err
}

func setupEnv(t *testing.T, baseURL string) {
	t.Helper()
	t.Setenv("AUTH_BASE_URL", baseURL)
	t.Setenv("AUTH_STORAGE", "local")
	t.Setenv("AUTH_STORAGE_PATH", filepath.Join(t.TempDir(), "session.db"))
	t.Setenv("AUTH_AUTO_REFRESH", "false")
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestLoginStatusLogout(t *testing.T) {
	stub, url := newTestStub(t)
	setupEnv(t, url)

	out, err := run(t, "correct horse battery\n", "login", "--email", "ada@example.com")
	require.NoError(t, err)
	require.Contains(t, out, "Signed in.")
	require.Contains(t, out, "<ada@example.com> Ada")

	// The session survives between invocations through local storage.
	out, err = run(t, "", "status")
	require.NoError(t, err)
	require.Contains(t, out, "Status:  authenticated")
	require.Contains(t, out, "Refresh: true")
	require.Contains(t, out, " (in ")
	require.Equal(t, 1, stub.Calls(stubserver.PathLogin))
	require.Equal(t, 0, stub.Calls(stubserver.PathRefresh))

	out, err = run(t, "", "refresh")
	require.NoError(t, err)
	require.Contains(t, out, "Refreshed.")
	require.Equal(t, 1, stub.Calls(stubserver.PathRefresh))

	out, err = run(t, "", "logout")
	require.NoError(t, err)
	require.Contains(t, out, "Signed out.")
	require.Equal(t, 1, stub.Calls(stubserver.PathLogout))

	out, err = run(t, "", "status")
	require.NoError(t, err)
	require.Contains(t, out, "Status:  anonymous")
	require.Contains(t, out, "Tokens:  (none)")
}

func TestLoginRejectedLocally(t *testing.T) {
	stub, url := newTestStub(t)
	setupEnv(t, url)

	_, err := run(t, "", "login", "--email", "not-an-email", "--password", "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "email: invalid email address")
	require.Equal(t, 0, stub.TotalCalls())
}

func TestLoginWrongPassword(t *testing.T) {
	_, url := newTestStub(t)
	setupEnv(t, url)

	_, err := run(t, "", "login", "--email", "ada@example.com", "--password", "wrong")
	require.Error(t, err)
	require.Contains(t, err.Error(), stubserver.CodeInvalidCredentials)
}

func TestRegisterAndVerify(t *testing.T) {
	stub, url := newTestStub(t)
	setupEnv(t, url)

	out, err := run(t, "", "register", "--email", "grace@example.com", "--password", "long enough password", "--name", "Grace", "--attr", "team=navy")
	require.NoError(t, err)
	require.Contains(t, out, "Account created.")

	_, err = run(t, "", "verify", "123")
	require.Error(t, err)
	require.Contains(t, err.Error(), "code: must be 6 digits")
	require.Equal(t, 0, stub.Calls(stubserver.PathVerifyEmail))

	code, ok := stub.VerificationCode("grace@example.com")
	require.True(t, ok)
	out, err = run(t, "", "verify", code, "--email", "grace@example.com")
	require.NoError(t, err)
	require.Contains(t, out, "Email verified.")
	require.True(t, stub.IsVerified("grace@example.com"))
}

func TestResetPasswordAndResendCode(t *testing.T) {
	stub, url := newTestStub(t)
	setupEnv(t, url)

	out, err := run(t, "", "reset-password", "--email", "ada@example.com")
	require.NoError(t, err)
	require.Contains(t, out, "Password reset requested.")
	require.Equal(t, 1, stub.ResetRequests("ada@example.com"))

	_, err = run(t, "", "reset-password", "--email", "nouser@x.com")
	require.Error(t, err)
	require.Contains(t, err.Error(), stubserver.CodeUserNotFound)

	out, err = run(t, "", "resend-code", "--email", "ada@example.com")
	require.NoError(t, err)
	require.Contains(t, out, "Verification code sent.")
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	_, url := newTestStub(t)
	setupEnv(t, "http://127.0.0.1:1")

	out, err := run(t, "", "--base-url", url, "--storage", "memory", "status")
	require.NoError(t, err)
	require.Contains(t, out, "Status:  anonymous")

	_, err = run(t, "", "--storage", "floppy", "status")
	require.Error(t, err)
	require.Contains(t, err.Error(), "storage")
}

func TestWatchRequiresSession(t *testing.T) {
	_, url := newTestStub(t)
	setupEnv(t, url)
	t.Setenv("AUTH_AUTO_REFRESH", "true")

	_, err := run(t, "", "watch")
	require.ErrorContains(t, err, "not signed in")
}
