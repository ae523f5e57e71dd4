package authsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/aussiebroadwan/authclient/internal/tokenstore"
	"github.com/aussiebroadwan/authclient/pkg/idx"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

// maxResponseBody bounds how much of a response is read.
const maxResponseBody = 1 << 20

// SendOptions controls credential handling for one call.
type SendOptions struct {
	// AttachCredentials sends the stored access token. Only such requests
	// are eligible for refresh-and-retry on 401.
	AttachCredentials bool

	// SkipRefresh returns a 401 as-is even when credentials were attached.
	SkipRefresh bool
}

// Pipeline performs calls to the auth server. A request that attached
// credentials and got a 401 triggers at most one refresh, shared between
// all requests failing at the same time, and is then retried exactly once.
type Pipeline struct {
	cfg     Config
	client  *http.Client
	store   *tokenstore.Store
	limiter *rate.Limiter
	metrics *metrics
	log     *slog.Logger
	now     func() time.Time

	base *url.URL

	refreshGroup singleflight.Group

	// sessionMu orders token writes against session boundaries. generation
	// changes whenever a session starts or ends, so a refresh that raced a
	// logout or a new login does not write stale tokens.
	sessionMu  sync.Mutex
	generation uint64

	csrfMu sync.RWMutex
	csrf   string

	// sessionLost is told when a refresh on the retry path failed and the
	// tokens were cleared.
	sessionLost func(*Error)
}

// errSessionSuperseded is returned by a refresh that finished after the
// session it belonged to was ended or replaced. Compared by identity.
var errSessionSuperseded = &Error{Kind: KindAuth, Code: CodeRefreshError, Message: "session ended during refresh"}

func isSuperseded(err error) bool {
	var e *Error
	return errors.As(err, &e) && e == errSessionSuperseded
}

// errRefreshAbandoned marks a caller that stopped waiting for an in-flight
// refresh. The refresh itself carries on and may still succeed, so it says
// nothing about the session.
var errRefreshAbandoned = errors.New("stopped waiting for refresh")

func isAbandoned(err error) bool {
	return errors.Is(err, errRefreshAbandoned)
}

func newPipeline(cfg Config, store *tokenstore.Store, client *http.Client, m *metrics, log *slog.Logger, now func() time.Time) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		client:  client,
		store:   store,
		metrics: m,
		log:     log.With("component", "pipeline"),
		now:     now,
	}
	if cfg.MaxRequestsPerSecond > 0 {
		burst := max(int(cfg.MaxRequestsPerSecond), 1)
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), burst)
	}
	p.base, _ = url.Parse(cfg.BaseURL)
	return p
}

// outbound is one logical request. retried marks that the single allowed
// retry has been spent.
type outbound struct {
	endpoint Endpoint
	body     []byte
	opts     SendOptions
	token    string
	retried  bool
}

// Send posts payload to the endpoint and returns the raw success body.
// A nil payload sends no body. Every failure is an *Error.
func (p *Pipeline) Send(ctx context.Context, ep Endpoint, payload any, opts SendOptions) ([]byte, error) {
	req := &outbound{endpoint: ep, opts: opts}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Code: CodeValidation, Message: "request body could not be encoded", Err: err}
		}
		req.body = b
	}

	if opts.AttachCredentials {
		req.token = p.store.Read(ctx).AccessToken
	}

	for {
		status, body, err := p.do(ctx, req)
		if err != nil {
			return nil, err
		}
		if status >= 200 && status < 300 {
			return body, nil
		}

		failure := parseErrorResponse(status, body)
		if status != http.StatusUnauthorized || !opts.AttachCredentials || opts.SkipRefresh || req.retried {
			return nil, failure
		}

		token, rerr := p.recoverUnauthorized(ctx, req.token)
		if rerr != nil {
			if IsCode(rerr, CodeRefreshTokenMissing) {
				return nil, failure
			}
			return nil, rerr
		}

		req.token = token
		req.retried = true
		p.metrics.retries.Inc()
		p.log.Debug("retrying after refresh", "endpoint", ep)
	}
}

// recoverUnauthorized returns a token to retry with. If another request
// already replaced the token that was rejected, that one is reused without a
// refresh call.
func (p *Pipeline) recoverUnauthorized(ctx context.Context, rejected string) (string, error) {
	rec := p.store.Read(ctx)
	if rec.HasAccessToken() && rec.AccessToken != rejected {
		return rec.AccessToken, nil
	}
	if !rec.HasRefreshToken() {
		return "", ErrRefreshTokenMissing
	}

	resp, err := p.sharedRefresh(ctx, triggerRetry, rejected)
	if err != nil {
		// A superseded refresh must not clear the session that replaced it,
		// and a caller giving up has not seen the refresh fail.
		if isSuperseded(err) || isAbandoned(err) {
			return "", err
		}
		if cerr := p.endSession(ctx); cerr != nil {
			p.log.Warn("failed to clear tokens after refresh failure", "err", cerr)
		}
		if p.sessionLost != nil {
			p.sessionLost(asError(err))
		}
		return "", err
	}
	return resp.Token.AccessToken, nil
}

// Refresh exchanges the stored refresh token for new tokens and persists
// them. Concurrent callers share one request. It does not clear the store on
// failure; callers decide that.
func (p *Pipeline) Refresh(ctx context.Context) (*AuthResponse, error) {
	return p.sharedRefresh(ctx, triggerManual, "")
}

// sharedRefresh joins or starts the single in-flight refresh. A non-empty
// rejected token skips the network call when the stored token has already
// moved past it, which happens to callers that arrive just after a refresh
// completed.
func (p *Pipeline) sharedRefresh(ctx context.Context, trigger, rejected string) (*AuthResponse, error) {
	// The refresh outlives any single caller so that a cancelled waiter does
	// not fail the others. The client timeout still bounds it.
	detached := context.WithoutCancel(ctx)
	ch := p.refreshGroup.DoChan("refresh", func() (any, error) {
		if rejected != "" {
			if rec := p.store.Read(detached); rec.HasAccessToken() && rec.AccessToken != rejected {
				return &AuthResponse{Token: TokenPayload{AccessToken: rec.AccessToken, RefreshToken: rec.RefreshToken}}, nil
			}
		}
		return p.refresh(detached, trigger)
	})

	select {
	case <-ctx.Done():
		return nil, networkError(fmt.Errorf("%w: %w", errRefreshAbandoned, ctx.Err()))
	case res := <-ch:
		if res.Shared {
			p.log.Debug("joined in-flight refresh", "trigger", trigger)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*AuthResponse), nil
	}
}

func (p *Pipeline) refresh(ctx context.Context, trigger string) (resp *AuthResponse, err error) {
	defer func() { p.metrics.observeRefresh(trigger, err) }()

	p.sessionMu.Lock()
	gen := p.generation
	p.sessionMu.Unlock()

	rec := p.store.Read(ctx)
	if !rec.HasRefreshToken() {
		return nil, ErrRefreshTokenMissing
	}

	status, body, err := p.do(ctx, &outbound{
		endpoint: EndpointRefresh,
		body:     mustJSON(refreshRequest{RefreshToken: rec.RefreshToken}),
	})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		srv := parseErrorResponse(status, body)
		msg := srv.Message
		if msg == "" {
			msg = "session could not be refreshed"
		}
		return nil, &Error{Kind: KindAuth, Code: CodeRefreshError, Message: msg, StatusCode: status, Err: srv}
	}

	resp, err = decodeAuthResponse(body)
	if err != nil {
		return nil, &Error{Kind: KindAuth, Code: CodeRefreshError, Message: "malformed refresh response", StatusCode: status, Err: err}
	}

	// Servers that do not rotate refresh tokens may omit it.
	refreshToken := firstNonEmpty(resp.Token.RefreshToken, rec.RefreshToken)

	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()

	if p.generation != gen {
		return nil, errSessionSuperseded
	}
	if _, err := p.persist(ctx, resp.Token, refreshToken); err != nil {
		return nil, err
	}
	resp.Token.RefreshToken = refreshToken

	p.log.Info("session refreshed", "trigger", trigger)
	return resp, nil
}

// startSession persists the tokens of a fresh login or registration.
func (p *Pipeline) startSession(ctx context.Context, tok TokenPayload) (TokenRecord, error) {
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()

	p.generation++
	return p.persist(ctx, tok, tok.RefreshToken)
}

// endSession clears the tokens and invalidates any refresh in flight.
func (p *Pipeline) endSession(ctx context.Context) error {
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()

	p.generation++
	return p.store.Clear(ctx)
}

// persist writes the tokens. The lifetime comes from expiresIn, else from the
// access token's exp claim, else the configured default.
func (p *Pipeline) persist(ctx context.Context, tok TokenPayload, refreshToken string) (TokenRecord, error) {
	lifetime := tok.Lifetime()
	if lifetime == 0 {
		if d, ok := lifetimeHint(tok.AccessToken, p.now()); ok {
			lifetime = d
		}
	}

	rec, err := p.store.Write(ctx, tok.AccessToken, refreshToken, lifetime)
	if err != nil {
		return TokenRecord{}, storageError(err)
	}
	return rec, nil
}

// do performs a single HTTP exchange.
func (p *Pipeline) do(ctx context.Context, req *outbound) (int, []byte, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return 0, nil, networkError(err)
		}
	}

	var body io.Reader = http.NoBody
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.endpointURL(req.endpoint), body)
	if err != nil {
		return 0, nil, &Error{Kind: KindValidation, Code: CodeValidation, Message: "invalid request", Err: err}
	}

	reqID := idx.New().String()
	httpReq.Header.Set(slogx.RequestIDHeader, reqID)
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.opts.AttachCredentials && req.token != "" {
		httpReq.Header.Set(p.cfg.CredentialHeader, "Bearer "+req.token)
	}
	if p.cfg.CSRFHeader != "" {
		if csrf := p.csrfToken(); csrf != "" {
			httpReq.Header.Set(p.cfg.CSRFHeader, csrf)
		}
	}

	log := p.log.With("req_id", reqID, "endpoint", req.endpoint, "retry", req.retried)
	start := time.Now()

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.metrics.observeRequest(req.endpoint, "network_error", time.Since(start))
		log.Warn("request failed", "err", err)
		return 0, nil, networkError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		p.metrics.observeRequest(req.endpoint, "network_error", time.Since(start))
		return 0, nil, networkError(fmt.Errorf("failed to read response body: %w", err))
	}

	p.captureCSRF(resp)

	took := time.Since(start)
	p.metrics.observeRequest(req.endpoint, outcomeFor(resp.StatusCode), took)
	log.Debug("auth request", "status", resp.StatusCode, "duration_ms", took.Milliseconds())

	return resp.StatusCode, data, nil
}

func outcomeFor(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "success"
	case status == http.StatusUnauthorized:
		return "unauthorized"
	default:
		return "error"
	}
}

// captureCSRF remembers an anti-forgery token sent in the response header.
func (p *Pipeline) captureCSRF(resp *http.Response) {
	if p.cfg.CSRFHeader == "" {
		return
	}
	if v := resp.Header.Get(p.cfg.CSRFHeader); v != "" {
		p.csrfMu.Lock()
		p.csrf = v
		p.csrfMu.Unlock()
	}
}

// csrfToken returns the last observed header value, else the configured
// cookie from the client's jar.
func (p *Pipeline) csrfToken() string {
	p.csrfMu.RLock()
	v := p.csrf
	p.csrfMu.RUnlock()
	if v != "" {
		return v
	}

	if p.client.Jar == nil || p.cfg.CSRFCookie == "" || p.base == nil {
		return ""
	}
	for _, c := range p.client.Jar.Cookies(p.base) {
		if c.Name == p.cfg.CSRFCookie {
			return c.Value
		}
	}
	return ""
}

func decodeAuthResponse(body []byte) (*AuthResponse, error) {
	var resp AuthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Token.AccessToken == "" {
		return nil, fmt.Errorf("response carried no access token")
	}
	return &resp, nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
