package authsdk

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/publicsuffix"

	"github.com/aussiebroadwan/authclient/internal/tokenstore"
	"github.com/aussiebroadwan/authclient/pkg/cryptox"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

// Options carries the collaborators of a Controller. All fields are optional.
type Options struct {
	// HTTPClient is copied; a cookie jar is added when cookie storage is
	// selected and the client has none.
	HTTPClient *http.Client

	// Backend replaces the backend selected by Config.Storage. The
	// controller takes ownership and closes it.
	Backend tokenstore.Backend

	Logger *slog.Logger
	Hooks  Hooks

	// Registerer receives the client metrics. Nil keeps them private.
	Registerer prometheus.Registerer

	Now func() time.Time
}

// Controller owns the session state machine. It is safe for concurrent use;
// concurrent logins race and the last one to finish wins.
type Controller struct {
	cfg      Config
	store    *tokenstore.Store
	pipeline *Pipeline
	policy   ExpiryPolicy
	hooks    Hooks
	log      *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	state State
	// gen increments on every transition so that a background refresh can
	// tell whether the state it started from is still current.
	gen uint64

	runMu     sync.Mutex
	refresher *refresher

	initOnce sync.Once
}

// New validates cfg, opens the configured token backend and returns an
// Anonymous controller. Call Init to restore a persisted session.
func New(cfg Config, opts Options) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := slogx.OrDefault(opts.Logger).With("component", "authsdk")

	client := &http.Client{Timeout: cfg.RequestTimeout}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		client = &copied
	}
	if cfg.Storage == StorageCookie && client.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, storageError(err)
		}
		client.Jar = jar
	}

	backend := opts.Backend
	if backend == nil {
		b, err := openBackend(context.Background(), cfg, client.Jar)
		if err != nil {
			return nil, storageError(err)
		}
		backend = b
	}

	var sealer *cryptox.Sealer
	if cfg.StorageSecret != "" {
		s, err := cryptox.NewSealer(cfg.StorageSecret)
		if err != nil {
			_ = backend.Close()
			return nil, storageError(err)
		}
		sealer = s
	}

	store := tokenstore.New(backend, tokenstore.Options{
		DefaultLifetime: cfg.TokenLifetime,
		PersistIdentity: cfg.Storage.persistsIdentity(),
		Sealer:          sealer,
		Now:             now,
		Logger:          log,
	})

	c := &Controller{
		cfg:      cfg,
		store:    store,
		pipeline: newPipeline(cfg, store, client, newMetrics(opts.Registerer), log, now),
		policy:   NewExpiryPolicy(cfg, now),
		hooks:    opts.Hooks,
		log:      log,
		now:      now,
		state:    State{Status: StatusAnonymous},
	}
	c.pipeline.sessionLost = c.onSessionLost
	return c, nil
}

// Config returns the configuration the controller was built with.
func (c *Controller) Config() Config { return c.cfg }

// Pipeline exposes the request pipeline for calls outside the built-in
// operations.
func (c *Controller) Pipeline() *Pipeline { return c.pipeline }

// Tokens returns the persisted record.
func (c *Controller) Tokens(ctx context.Context) TokenRecord { return c.store.Read(ctx) }

// ExpiryPolicy returns the policy applied to the persisted record.
func (c *Controller) ExpiryPolicy() ExpiryPolicy { return c.policy }

// ============================================================================
// State access
// ============================================================================

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) User() *User { return c.State().User }

func (c *Controller) IsAuthenticated() bool { return c.State().IsAuthenticated() }

func (c *Controller) IsLoading() bool { return c.State().Loading }

func (c *Controller) Err() *Error { return c.State().Err }

// update applies fn under the lock and returns the committed state. The
// caller then runs hooks with it.
func (c *Controller) update(fn func(s *State)) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	fn(&c.state)
	c.gen++
	return c.state
}

func (c *Controller) notify(s State) {
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(s)
	}
}

// notifyCurrent reports s unless a hook has already moved the state past
// generation gen and reported that instead.
func (c *Controller) notifyCurrent(s State, gen uint64) {
	c.mu.RLock()
	current := c.gen == gen
	c.mu.RUnlock()
	if current {
		c.notify(s)
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Init restores a persisted session. It runs once; later calls return
// immediately. A valid token restores the user without a network call. An
// expired token is refreshed once when a refresh token exists, otherwise the
// store is cleared and the controller stays Anonymous.
func (c *Controller) Init(ctx context.Context) {
	c.initOnce.Do(func() { c.restore(ctx) })
}

func (c *Controller) restore(ctx context.Context) {
	rec := c.store.Read(ctx)
	if !rec.HasAccessToken() {
		if rec.HasRefreshToken() || rec.HasExpiry() {
			c.discard(ctx, "incomplete persisted session")
		}
		return
	}

	if !c.policy.IsExpired(rec) {
		user := c.persistedUser(ctx)
		if user == nil {
			user, _ = identityHint(rec.AccessToken)
		}
		if user == nil {
			// Opaque tokens on storage that keeps no identity. The token is
			// still good, so keep it and leave the user unnamed.
			c.log.Debug("persisted session has no identity")
			user = &User{}
		}
		c.enterAuthenticated(user, nil)
		c.log.Info("session restored", "user_id", user.ID)
		return
	}

	if !rec.HasRefreshToken() {
		c.discard(ctx, "persisted session expired")
		return
	}

	resp, err := c.pipeline.sharedRefresh(ctx, triggerInit, "")
	if err == nil {
		var user *User
		user, err = c.resolveUser(ctx, resp, nil)
		if err == nil {
			c.enterAuthenticated(user, nil)
			c.log.Info("session restored by refresh", "user_id", user.ID)
			c.fireRefreshSuccess(ctx)
			return
		}
	}

	if isAbandoned(err) {
		// Cancelled before the refresh answered. The tokens stay for the next
		// start, which restores them if the refresh went through.
		c.log.Info("session restore abandoned", "err", err)
		c.notify(c.update(func(s *State) {
			*s = State{Status: StatusAnonymous, Err: asError(err)}
		}))
		return
	}

	c.log.Warn("could not restore session", "err", err)
	if cerr := c.pipeline.endSession(ctx); cerr != nil {
		c.log.Warn("failed to clear tokens", "err", cerr)
	}
	s := c.update(func(s *State) {
		*s = State{Status: StatusAnonymous, Err: asError(err)}
	})
	if c.hooks.OnRefreshError != nil {
		c.hooks.OnRefreshError(err)
	}
	c.notify(s)
}

func (c *Controller) discard(ctx context.Context, reason string) {
	c.log.Info("discarding persisted session", "reason", reason)
	if err := c.pipeline.endSession(ctx); err != nil {
		c.log.Warn("failed to clear tokens", "err", err)
	}
}

// Close stops background work, waits for it to finish and releases the
// token backend. Persisted tokens are left in place. Close must not be
// called from a hook.
func (c *Controller) Close() error {
	if r := c.stopRefresher(); r != nil {
		r.Wait()
	}
	return c.store.Close()
}

// ============================================================================
// Operations
// ============================================================================

// Login authenticates with email and password.
func (c *Controller) Login(ctx context.Context, creds Credentials) (*User, error) {
	user, err := c.authenticate(ctx, EndpointLogin, creds, creds.Email)
	if err != nil {
		if c.hooks.OnLoginError != nil {
			c.hooks.OnLoginError(err)
		}
		c.notify(c.State())
		return nil, err
	}
	if c.hooks.OnLoginSuccess != nil {
		c.hooks.OnLoginSuccess(*user)
	}
	c.notify(c.State())
	return user, nil
}

// Register creates an account and signs in with it.
func (c *Controller) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	user, err := c.authenticate(ctx, EndpointRegister, req, req.Email)
	if err != nil {
		if c.hooks.OnRegisterError != nil {
			c.hooks.OnRegisterError(err)
		}
		c.notify(c.State())
		return nil, err
	}
	if c.hooks.OnRegisterSuccess != nil {
		c.hooks.OnRegisterSuccess(*user)
	}
	c.notify(c.State())
	return user, nil
}

func (c *Controller) authenticate(ctx context.Context, ep Endpoint, payload any, email string) (*User, error) {
	c.Init(ctx)

	// Re-authenticating ends the previous session first.
	prev := c.State()
	c.stopRefresher()
	c.notify(c.update(func(s *State) {
		*s = State{Status: StatusAuthenticating, Loading: true}
	}))

	fail := func(err error) (*User, error) {
		e := asError(err)
		c.log.Warn("authentication failed", "endpoint", ep, "code", e.Code)
		if prev.IsAuthenticated() {
			if cerr := c.pipeline.endSession(ctx); cerr != nil {
				c.log.Warn("failed to clear tokens", "err", cerr)
			}
		}
		c.update(func(s *State) {
			*s = State{Status: StatusAnonymous, Err: e}
		})
		return nil, e
	}

	body, err := c.pipeline.Send(ctx, ep, payload, SendOptions{})
	if err != nil {
		return fail(err)
	}
	resp, err := decodeAuthResponse(body)
	if err != nil {
		return fail(&Error{Kind: KindAuth, Code: CodeUnknown, Message: "malformed authentication response", Err: err})
	}

	if _, err := c.pipeline.startSession(ctx, resp.Token); err != nil {
		return fail(err)
	}

	user := resp.User
	if user == nil {
		user, _ = identityHint(resp.Token.AccessToken)
	}
	if user == nil {
		user = &User{Email: email}
	}
	c.persistUser(ctx, user)

	c.enterAuthenticated(user, nil)
	c.log.Info("authenticated", "endpoint", ep, "user_id", user.ID)
	return user, nil
}

// Logout ends the session. The server is told when a token is held, but the
// local session is torn down whatever the outcome; a server failure is still
// returned once teardown is complete.
func (c *Controller) Logout(ctx context.Context) error {
	c.Init(ctx)

	c.notify(c.update(func(s *State) {
		s.Err = nil
		s.Loading = true
	}))

	var callErr error
	if c.store.Read(ctx).HasAccessToken() {
		_, callErr = c.pipeline.Send(ctx, EndpointLogout, nil, SendOptions{
			AttachCredentials: true,
			SkipRefresh:       true,
		})
		if callErr != nil {
			c.log.Warn("logout call failed, clearing local session anyway", "err", callErr)
		}
	}

	c.stopRefresher()
	if err := c.pipeline.endSession(ctx); err != nil && callErr == nil {
		callErr = storageError(err)
	}

	e := asError(callErr)
	s := c.update(func(s *State) {
		*s = State{Status: StatusAnonymous, Err: e}
	})

	if c.hooks.OnLogoutSuccess != nil {
		c.hooks.OnLogoutSuccess()
	}
	c.notify(s)

	if e != nil {
		return e
	}
	return nil
}

// RefreshToken refreshes the session on demand. On failure the session is
// cleared and the controller becomes Anonymous.
func (c *Controller) RefreshToken(ctx context.Context) (TokenRecord, error) {
	c.Init(ctx)

	prev := c.State()
	c.notify(c.update(func(s *State) {
		if prev.IsAuthenticated() {
			s.Status = StatusRefreshing
		} else {
			*s = State{Status: StatusAuthenticating}
		}
		s.Err = nil
		s.Loading = true
	}))

	resp, err := c.pipeline.Refresh(ctx)
	var user *User
	if err == nil {
		user, err = c.resolveUser(ctx, resp, prev.User)
	}
	if err != nil && isAbandoned(err) {
		// The shared refresh is still running for everyone else; only this
		// caller gave up, so the session is left as it was.
		e := asError(err)
		s := c.update(func(s *State) {
			if s.IsAuthenticated() {
				s.Status = StatusAuthenticated
			} else {
				s.Status = StatusAnonymous
			}
			s.Err = e
			s.Loading = false
		})
		c.notify(s)
		return TokenRecord{}, e
	}
	if err != nil {
		e := asError(err)
		c.log.Warn("refresh failed, ending session", "code", e.Code)
		c.stopRefresher()
		if cerr := c.pipeline.endSession(ctx); cerr != nil {
			c.log.Warn("failed to clear tokens", "err", cerr)
		}
		s := c.update(func(s *State) {
			*s = State{Status: StatusAnonymous, Err: e}
		})
		if c.hooks.OnRefreshError != nil {
			c.hooks.OnRefreshError(e)
		}
		c.notify(s)
		return TokenRecord{}, e
	}

	c.enterAuthenticated(user, nil)
	rec := c.fireRefreshSuccess(ctx)
	c.notify(c.State())
	return rec, nil
}

// ResetPassword asks the server to send a reset message. It only affects Err.
func (c *Controller) ResetPassword(ctx context.Context, email string) error {
	return c.passThrough(ctx, EndpointPasswordReset, emailRequest{Email: email})
}

// VerifyEmail submits a verification code. email may be empty.
func (c *Controller) VerifyEmail(ctx context.Context, code, email string) error {
	return c.passThrough(ctx, EndpointVerifyEmail, verifyRequest{Code: code, Email: email})
}

// ResendCode asks the server to send a new verification code.
func (c *Controller) ResendCode(ctx context.Context, email string) error {
	return c.passThrough(ctx, EndpointResendCode, emailRequest{Email: email})
}

func (c *Controller) passThrough(ctx context.Context, ep Endpoint, payload any) error {
	c.update(func(s *State) { s.Err = nil })

	_, err := c.pipeline.Send(ctx, ep, payload, SendOptions{})
	if err == nil {
		c.notify(c.State())
		return nil
	}

	e := asError(err)
	c.notify(c.update(func(s *State) { s.Err = e }))
	return e
}

// ============================================================================
// Background refresh
// ============================================================================

// backgroundTick refreshes when the token is close to expiry. A failure is
// recorded but only ends the session once the token has actually expired.
// It returns false once there is no session left to keep alive.
func (c *Controller) backgroundTick(ctx context.Context) bool {
	c.mu.Lock()
	if c.state.Status != StatusAuthenticated {
		alive := c.state.IsAuthenticated()
		c.mu.Unlock()
		return alive
	}
	rec := c.store.Read(ctx)
	if !c.policy.ShouldProactivelyRefresh(rec) {
		c.mu.Unlock()
		return true
	}
	c.state.Status = StatusRefreshing
	c.state.Err = nil
	c.gen++
	gen := c.gen
	prevUser := c.state.User
	started := c.state
	c.mu.Unlock()
	c.notify(started)

	resp, err := c.pipeline.sharedRefresh(ctx, triggerBackground, "")
	var user *User
	if err == nil {
		user, err = c.resolveUser(ctx, resp, prevUser)
	}

	c.mu.Lock()
	if c.gen != gen {
		// Someone else moved the session on while we were refreshing.
		alive := c.state.IsAuthenticated()
		c.mu.Unlock()
		return alive
	}
	if ctx.Err() != nil {
		// Stopped mid-refresh, leave the session as it was.
		c.state.Status = StatusAuthenticated
		c.gen++
		c.mu.Unlock()
		return false
	}

	if err == nil {
		c.state = State{Status: StatusAuthenticated, User: user}
		c.gen++
		s, done := c.state, c.gen
		c.mu.Unlock()

		rec := c.fireRefreshSuccess(ctx)
		c.log.Debug("background refresh succeeded", "expires_at", rec.ExpiresAt)
		c.notifyCurrent(s, done)
		return true
	}

	e := asError(err)
	expired := c.policy.IsExpired(c.store.Read(ctx))
	if expired {
		c.state = State{Status: StatusAnonymous, Err: e}
	} else {
		c.state.Status = StatusAuthenticated
		c.state.Err = e
	}
	c.gen++
	s, done := c.state, c.gen
	c.mu.Unlock()

	if expired {
		c.log.Warn("background refresh failed and token expired, ending session", "code", e.Code)
		if cerr := c.pipeline.endSession(ctx); cerr != nil {
			c.log.Warn("failed to clear tokens", "err", cerr)
		}
	} else {
		c.log.Warn("background refresh failed, keeping session", "code", e.Code)
	}

	if c.hooks.OnRefreshError != nil {
		c.hooks.OnRefreshError(e)
	}
	c.notifyCurrent(s, done)
	return !expired
}

// onSessionLost handles a failed refresh on the pipeline's retry path. The
// tokens are already cleared.
func (c *Controller) onSessionLost(e *Error) {
	c.mu.Lock()
	if !c.state.IsAuthenticated() {
		c.mu.Unlock()
		return
	}
	c.state = State{Status: StatusAnonymous, Err: e}
	c.gen++
	s := c.state
	c.mu.Unlock()

	c.log.Warn("session lost after failed refresh", "code", e.Code)
	c.stopRefresher()
	if c.hooks.OnRefreshError != nil {
		c.hooks.OnRefreshError(e)
	}
	c.notify(s)
}

func (c *Controller) startRefresher() {
	if !c.cfg.AutoRefresh {
		return
	}
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.refresher != nil {
		select {
		case <-c.refresher.doneCh:
			// Ended on its own, replace it.
		default:
			return
		}
	}
	c.refresher = newRefresher(c.cfg.RefreshInterval, c.log, c.backgroundTick)
	c.refresher.Start()
}

// stopRefresher signals the background loop and returns it, or nil. It
// never waits: operations reach here from hooks running on the loop itself,
// and a tick that finishes late sees the generation moved on and drops its
// result.
func (c *Controller) stopRefresher() *refresher {
	c.runMu.Lock()
	r := c.refresher
	c.refresher = nil
	c.runMu.Unlock()

	if r != nil {
		r.Stop()
	}
	return r
}

// ============================================================================
// Helpers
// ============================================================================

func (c *Controller) enterAuthenticated(user *User, err *Error) {
	c.update(func(s *State) {
		*s = State{Status: StatusAuthenticated, User: user, Err: err}
	})
	c.startRefresher()
}

func (c *Controller) fireRefreshSuccess(ctx context.Context) TokenRecord {
	rec := c.store.Read(ctx)
	if c.hooks.OnRefreshSuccess != nil {
		c.hooks.OnRefreshSuccess(rec)
	}
	return rec
}

// resolveUser picks the identity after a refresh: the response user, then
// the one already known, then the persisted blob, then the token claims.
func (c *Controller) resolveUser(ctx context.Context, resp *AuthResponse, known *User) (*User, error) {
	if resp.User != nil {
		c.persistUser(ctx, resp.User)
		return resp.User, nil
	}
	if known != nil {
		return known, nil
	}
	if u := c.persistedUser(ctx); u != nil {
		return u, nil
	}
	if u, ok := identityHint(resp.Token.AccessToken); ok {
		return u, nil
	}
	return nil, &Error{Kind: KindAuth, Code: CodeRefreshError, Message: "refreshed session has no identity"}
}

func (c *Controller) persistUser(ctx context.Context, u *User) {
	blob, err := json.Marshal(u)
	if err != nil {
		c.log.Warn("failed to encode identity", "err", err)
		return
	}
	if err := c.store.WriteIdentity(ctx, blob); err != nil {
		c.log.Warn("failed to persist identity", "err", err)
	}
}

func (c *Controller) persistedUser(ctx context.Context) *User {
	blob, ok := c.store.ReadIdentity(ctx)
	if !ok {
		return nil
	}
	var u User
	if err := json.Unmarshal(blob, &u); err != nil || u.ID == "" {
		c.log.Warn("ignoring unreadable identity")
		return nil
	}
	return &u
}
