// Package stubserver implements the auth server wire contract in process.
// Tests, local development and the CLI demo run against it.
package stubserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/cryptox"
	"github.com/aussiebroadwan/authclient/pkg/httpx"
	"github.com/aussiebroadwan/authclient/pkg/idx"
	"github.com/aussiebroadwan/authclient/pkg/jwtx"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

// Paths served by the stub. They match the client defaults.
const (
	PathLogin         = "/auth/login"
	PathRegister      = "/auth/register"
	PathLogout        = "/auth/logout"
	PathRefresh       = "/auth/refresh"
	PathPasswordReset = "/auth/password-reset"
	PathVerifyEmail   = "/auth/verify-email"
	PathResendCode    = "/auth/resend-code"
	PathMe            = "/auth/me"
)

const (
	CSRFHeader = "X-CSRF-Token"
	CSRFCookie = "csrf_token"
)

type Config struct {
	Issuer string
	// Secret signs access tokens. Generated when empty.
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// RotateRefresh issues a new refresh token on every refresh. When false
	// the refresh response omits the refresh token.
	RotateRefresh bool

	// CSRF emits an anti-forgery token header and cookie on every response;
	// RequireCSRF also rejects credentialed requests that do not echo it.
	CSRF        bool
	RequireCSRF bool

	// RateLimit applies to the credential endpoints. Zero disables it.
	RateLimit httpx.RateLimitConfig

	Pepper string
	Logger *slog.Logger
	Now    func() time.Time
}

type account struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Verified     bool
	Extra        map[string]any
}

type refreshEntry struct {
	userID    string
	sid       string
	expiresAt time.Time
}

type failure struct {
	status  int
	code    string
	message string
}

// Server is an http.Handler. All methods are safe for concurrent use.
type Server struct {
	cfg    Config
	tokens *jwtx.HS256
	hasher cryptox.Hasher
	log    *slog.Logger

	handler http.Handler

	mu       sync.Mutex
	users    map[string]*account // by lower-cased email
	refresh  map[string]refreshEntry
	access   map[string]string // jti -> sid
	codes    map[string]string // email -> verification code
	resets   map[string]int
	csrf     map[string]bool
	calls    map[string]int
	failures map[string][]failure
	delays   map[string]time.Duration
}

func New(cfg Config) (*Server, error) {
	if cfg.Issuer == "" {
		cfg.Issuer = "authstub"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = jwtx.DefaultAccessTokenTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = jwtx.DefaultRefreshTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.Secret) == 0 {
		secret, err := cryptox.GenerateToken(cryptox.TokenSize256)
		if err != nil {
			return nil, err
		}
		cfg.Secret = []byte(secret)
	}

	tokens, err := jwtx.NewHS256(cfg.Secret, cfg.Issuer, cfg.Now)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		tokens:   tokens,
		hasher:   cryptox.Hasher{Pepper: cfg.Pepper},
		log:      slogx.OrDefault(cfg.Logger).With("component", "stubserver"),
		users:    make(map[string]*account),
		refresh:  make(map[string]refreshEntry),
		access:   make(map[string]string),
		codes:    make(map[string]string),
		resets:   make(map[string]int),
		csrf:     make(map[string]bool),
		calls:    make(map[string]int),
		failures: make(map[string][]failure),
		delays:   make(map[string]time.Duration),
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	credential := func(h http.HandlerFunc) http.Handler {
		if s.cfg.RateLimit.RequestsPerWindow <= 0 {
			return h
		}
		return httpx.Chain(h, httpx.RateLimitByIP(s.cfg.RateLimit))
	}

	mux.Handle("POST "+PathLogin, credential(s.handleLogin))
	mux.Handle("POST "+PathRegister, credential(s.handleRegister))
	mux.Handle("POST "+PathPasswordReset, credential(s.handlePasswordReset))
	mux.Handle("POST "+PathVerifyEmail, credential(s.handleVerifyEmail))
	mux.Handle("POST "+PathResendCode, credential(s.handleResendCode))
	mux.HandleFunc("POST "+PathRefresh, s.handleRefresh)
	mux.HandleFunc("POST "+PathLogout, s.handleLogout)
	mux.HandleFunc(PathMe, s.handleMe)

	return httpx.Chain(mux,
		slogx.HTTPMiddleware(s.log),
		s.instrument,
	)
}

// instrument counts calls, applies injected delays and failures, and hands
// out anti-forgery tokens.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		s.mu.Lock()
		s.calls[path]++
		delay := s.delays[path]
		var fail *failure
		if queue := s.failures[path]; len(queue) > 0 {
			fail = &queue[0]
			s.failures[path] = queue[1:]
		}
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		if s.cfg.CSRF {
			s.issueCSRF(w)
		}

		if fail != nil {
			httpx.WriteError(w, fail.status, fail.code, fail.message)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) issueCSRF(w http.ResponseWriter) {
	token, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.csrf[token] = true
	s.mu.Unlock()

	w.Header().Set(CSRFHeader, token)
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookie,
		Value:    token,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) checkCSRF(r *http.Request) bool {
	if !s.cfg.RequireCSRF {
		return true
	}
	token := r.Header.Get(CSRFHeader)
	s.mu.Lock()
	defer s.mu.Unlock()
	return token != "" && s.csrf[token]
}

// ============================================================================
// Test controls
// ============================================================================

// User is the public view of an account.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

var ErrUserExists = errors.New("stubserver: user already exists")

// AddUser creates a verified account.
func (s *Server) AddUser(email, password, name string) (User, error) {
	acc, err := s.createAccount(email, password, name, nil)
	if err != nil {
		return User{}, err
	}
	s.mu.Lock()
	acc.Verified = true
	s.mu.Unlock()
	return publicUser(acc), nil
}

// Calls returns how many requests hit path.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// TotalCalls returns the number of requests across all paths.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// FailNext makes the next request to path fail with the given error body.
// Calls queue up.
func (s *Server) FailNext(path string, status int, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = append(s.failures[path], failure{status: status, code: code, message: message})
}

// SetDelay holds every request to path for d before handling it.
func (s *Server) SetDelay(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[path] = d
}

// RevokeAccessTokens invalidates every access token issued so far while
// leaving refresh tokens usable.
func (s *Server) RevokeAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.access)
}

// RevokeRefreshTokens invalidates every refresh token issued so far.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.refresh)
}

// VerificationCode returns the pending code for email.
func (s *Server) VerificationCode(email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[normalizeEmail(email)]
	return code, ok
}

// ResetRequests returns how many password resets were requested for email.
func (s *Server) ResetRequests(email string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets[normalizeEmail(email)]
}

// IsVerified reports whether the account behind email has been verified.
func (s *Server) IsVerified(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.users[normalizeEmail(email)]
	return ok && acc.Verified
}

// IssueTokens mints a session for an existing account without a login call.
func (s *Server) IssueTokens(email string) (TokenBody, error) {
	s.mu.Lock()
	acc, ok := s.users[normalizeEmail(email)]
	s.mu.Unlock()
	if !ok {
		return TokenBody{}, errors.New("stubserver: unknown user")
	}
	return s.issue(acc, idx.New().String(), true)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func publicUser(acc *account) User {
	return User{ID: acc.ID, Email: acc.Email, Name: acc.Name}
}
