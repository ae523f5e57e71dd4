package stubserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/cryptox"
	"github.com/aussiebroadwan/authclient/pkg/httpx"
	"github.com/aussiebroadwan/authclient/pkg/idx"
	"github.com/aussiebroadwan/authclient/pkg/jwtx"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

// Error codes written in `{code, message}` bodies.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeInvalidCredentials = "invalid_credentials"
	CodeUserExists         = "user_exists"
	CodeUserNotFound       = "user_not_found"
	CodeInvalidToken       = "invalid_token"
	CodeInvalidGrant       = "invalid_grant"
	CodeInvalidCode        = "invalid_code"
	CodeCSRF               = "csrf_mismatch"
)

const maxBodySize = 64 << 10

// TokenBody is the token half of an auth response.
type TokenBody struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type authBody struct {
	User  User      `json:"user"`
	Token TokenBody `json:"token"`
}

type messageBody struct {
	Message string `json:"message"`
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed request body")
		return false
	}
	return true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "email and password are required")
		return
	}

	s.mu.Lock()
	acc, ok := s.users[normalizeEmail(req.Email)]
	s.mu.Unlock()

	// Unknown users and wrong passwords look the same to the caller.
	if !ok || s.hasher.Verify(req.Password, acc.PasswordHash) != nil {
		slogx.FromContext(r.Context()).Info("login rejected", "email", req.Email)
		httpx.WriteError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid credentials")
		return
	}

	s.respondAuth(w, r, acc, idx.New().String())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if !decode(w, r, &req) {
		return
	}
	email, _ := req["email"].(string)
	password, _ := req["password"].(string)
	name, _ := req["name"].(string)
	if email == "" || password == "" {
		httpx.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "email and password are required")
		return
	}
	delete(req, "email")
	delete(req, "password")
	delete(req, "name")

	acc, err := s.createAccount(email, password, name, req)
	if errors.Is(err, ErrUserExists) {
		httpx.WriteError(w, http.StatusConflict, CodeUserExists, "An account with that email already exists")
		return
	}
	if err != nil {
		slogx.FromContext(r.Context()).Error("failed to create account", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	s.respondAuth(w, r, acc, idx.New().String())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		httpx.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "refreshToken is required")
		return
	}

	fp := cryptox.FingerprintToken(req.RefreshToken)
	now := s.cfg.Now()

	s.mu.Lock()
	entry, ok := s.refresh[fp]
	if ok && !now.Before(entry.expiresAt) {
		delete(s.refresh, fp)
		ok = false
	}
	if ok && s.cfg.RotateRefresh {
		delete(s.refresh, fp)
	}
	var acc *account
	if ok {
		acc = s.accountByID(entry.userID)
	}
	s.mu.Unlock()

	if acc == nil {
		httpx.WriteError(w, http.StatusUnauthorized, CodeInvalidGrant, "Refresh token is invalid or expired")
		return
	}

	body, err := s.issue(acc, entry.sid, s.cfg.RotateRefresh)
	if err != nil {
		slogx.FromContext(r.Context()).Error("failed to issue tokens", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authBody{User: publicUser(acc), Token: body})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authorize(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	for jti, sid := range s.access {
		if sid == claims.SID {
			delete(s.access, jti)
		}
	}
	for fp, entry := range s.refresh {
		if entry.sid == claims.SID {
			delete(s.refresh, fp)
		}
	}
	s.mu.Unlock()

	httpx.WriteJSON(w, http.StatusOK, messageBody{Message: "Logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authorize(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	acc := s.accountByID(claims.Subject)
	s.mu.Unlock()
	if acc == nil {
		httpx.WriteError(w, http.StatusUnauthorized, CodeInvalidToken, "Unknown subject")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": publicUser(acc)})
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	email := normalizeEmail(req.Email)

	s.mu.Lock()
	_, ok := s.users[email]
	if ok {
		s.resets[email]++
	}
	s.mu.Unlock()

	if !ok {
		httpx.WriteError(w, http.StatusNotFound, CodeUserNotFound, "No account with that email")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, messageBody{Message: "Password reset email sent"})
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code  string `json:"code"`
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Code == "" {
		httpx.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "code is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The email is optional; without it any pending code may match.
	for email, code := range s.codes {
		if code != req.Code || (req.Email != "" && email != normalizeEmail(req.Email)) {
			continue
		}
		delete(s.codes, email)
		if acc, ok := s.users[email]; ok {
			acc.Verified = true
		}
		httpx.WriteJSON(w, http.StatusOK, messageBody{Message: "Email verified"})
		return
	}
	httpx.WriteError(w, http.StatusBadRequest, CodeInvalidCode, "Invalid verification code")
}

func (s *Server) handleResendCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	email := normalizeEmail(req.Email)

	s.mu.Lock()
	acc, ok := s.users[email]
	s.mu.Unlock()
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, CodeUserNotFound, "No account with that email")
		return
	}
	if err := s.newVerificationCode(acc.Email); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, messageBody{Message: "Verification code sent"})
}

// authorize checks the bearer token and the anti-forgery token. It writes the
// error response itself.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (jwtx.Claims, bool) {
	raw, ok := httpx.BearerToken(r, "Authorization")
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, CodeInvalidToken, "Missing bearer token")
		return jwtx.Claims{}, false
	}
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, CodeInvalidToken, "Token is invalid or expired")
		return jwtx.Claims{}, false
	}

	s.mu.Lock()
	_, live := s.access[claims.ID]
	s.mu.Unlock()
	if !live {
		httpx.WriteError(w, http.StatusUnauthorized, CodeInvalidToken, "Token has been revoked")
		return jwtx.Claims{}, false
	}

	if !s.checkCSRF(r) {
		httpx.WriteError(w, http.StatusForbidden, CodeCSRF, "Missing or invalid anti-forgery token")
		return jwtx.Claims{}, false
	}
	return claims, true
}

func (s *Server) respondAuth(w http.ResponseWriter, r *http.Request, acc *account, sid string) {
	body, err := s.issue(acc, sid, true)
	if err != nil {
		slogx.FromContext(r.Context()).Error("failed to issue tokens", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authBody{User: publicUser(acc), Token: body})
}

// issue mints an access token and, when withRefresh is set, a refresh token
// bound to the same session id.
func (s *Server) issue(acc *account, sid string, withRefresh bool) (TokenBody, error) {
	now := s.cfg.Now()
	claims := jwtx.NewAccessClaims(acc.ID, sid, acc.Email, acc.Name, s.cfg.Issuer, s.cfg.AccessTTL, now)
	access, err := s.tokens.Sign(claims)
	if err != nil {
		return TokenBody{}, err
	}

	body := TokenBody{
		AccessToken: access,
		ExpiresIn:   int64(s.cfg.AccessTTL / time.Second),
	}

	var refresh string
	if withRefresh {
		refresh, err = cryptox.GenerateToken(cryptox.TokenSize256)
		if err != nil {
			return TokenBody{}, err
		}
		body.RefreshToken = refresh
	}

	s.mu.Lock()
	s.access[claims.ID] = sid
	if refresh != "" {
		s.refresh[cryptox.FingerprintToken(refresh)] = refreshEntry{
			userID:    acc.ID,
			sid:       sid,
			expiresAt: now.Add(s.cfg.RefreshTTL),
		}
	}
	s.mu.Unlock()

	return body, nil
}

func (s *Server) createAccount(email, password, name string, extra map[string]any) (*account, error) {
	email = strings.TrimSpace(email)
	key := normalizeEmail(email)

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.users[key]; exists {
		s.mu.Unlock()
		return nil, ErrUserExists
	}
	acc := &account{
		ID:           idx.New().String(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Extra:        extra,
	}
	s.users[key] = acc
	s.mu.Unlock()

	if err := s.newVerificationCode(email); err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *Server) newVerificationCode(email string) error {
	code, err := cryptox.GenerateNumericCode(6)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.codes[normalizeEmail(email)] = code
	s.mu.Unlock()
	return nil
}

// accountByID expects s.mu to be held.
func (s *Server) accountByID(id string) *account {
	for _, acc := range s.users {
		if acc.ID == id {
			return acc
		}
	}
	return nil
}
