package authsdk

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/aussiebroadwan/authclient/internal/tokenstore/drivers/cookie"
)

// StorageKind selects the token backend.
type StorageKind string

const (
	// StorageLocal is durable storage on disk (sqlite or bbolt).
	StorageLocal StorageKind = "local"
	// StorageSession keeps tokens for one session id in redis, or in memory
	// when no redis URL is configured.
	StorageSession StorageKind = "session"
	// StorageCookie keeps tokens in the cookie jar shared with the HTTP client.
	StorageCookie StorageKind = "cookie"
	// StorageMemory keeps tokens in process memory only.
	StorageMemory StorageKind = "memory"
)

// ParseStorageKind accepts the four recognised kinds in any case.
func ParseStorageKind(s string) (StorageKind, error) {
	k := StorageKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown token storage %q (want local, session, cookie or memory)", s)
	}
	return k, nil
}

func (k StorageKind) Valid() bool {
	switch k {
	case StorageLocal, StorageSession, StorageCookie, StorageMemory:
		return true
	}
	return false
}

// persistsIdentity reports whether the user blob is stored with the tokens.
func (k StorageKind) persistsIdentity() bool {
	return k == StorageLocal || k == StorageSession
}

func (k *StorageKind) UnmarshalText(text []byte) error {
	parsed, err := ParseStorageKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k StorageKind) String() string { return string(k) }

const (
	DriverSQLite = "sqlite"
	DriverBBolt  = "bbolt"
)

// Endpoints are paths relative to Config.BaseURL.
type Endpoints struct {
	Login         string `env:"LOGIN"          envDefault:"/auth/login"`
	Register      string `env:"REGISTER"       envDefault:"/auth/register"`
	Logout        string `env:"LOGOUT"         envDefault:"/auth/logout"`
	Refresh       string `env:"REFRESH"        envDefault:"/auth/refresh"`
	PasswordReset string `env:"PASSWORD_RESET" envDefault:"/auth/password-reset"`
	VerifyEmail   string `env:"VERIFY_EMAIL"   envDefault:"/auth/verify-email"`
	ResendCode    string `env:"RESEND_CODE"    envDefault:"/auth/resend-code"`
}

// Endpoint names one operation of the auth server.
type Endpoint string

const (
	EndpointLogin         Endpoint = "login"
	EndpointRegister      Endpoint = "register"
	EndpointLogout        Endpoint = "logout"
	EndpointRefresh       Endpoint = "refresh"
	EndpointPasswordReset Endpoint = "password_reset"
	EndpointVerifyEmail   Endpoint = "verify_email"
	EndpointResendCode    Endpoint = "resend_code"
)

// Path returns the configured path for ep, or "" if ep is unknown.
func (e Endpoints) Path(ep Endpoint) string {
	switch ep {
	case EndpointLogin:
		return e.Login
	case EndpointRegister:
		return e.Register
	case EndpointLogout:
		return e.Logout
	case EndpointRefresh:
		return e.Refresh
	case EndpointPasswordReset:
		return e.PasswordReset
	case EndpointVerifyEmail:
		return e.VerifyEmail
	case EndpointResendCode:
		return e.ResendCode
	}
	// Anything else that looks like a path is a caller resource, e.g. a
	// protected "/auth/me" sent through the pipeline.
	if strings.HasPrefix(string(ep), "/") {
		return string(ep)
	}
	return ""
}

// CookieConfig holds the attributes applied to token cookies.
type CookieConfig struct {
	Path     string `env:"PATH"      envDefault:"/"`
	Domain   string `env:"DOMAIN"`
	Secure   bool   `env:"SECURE"    envDefault:"true"`
	SameSite string `env:"SAME_SITE" envDefault:"strict"`
}

// Config is the client configuration. It is a plain value: build it once,
// validate it, and hand it to New. Environment variables use the AUTH_ prefix,
// e.g. AUTH_BASE_URL, AUTH_STORAGE, AUTH_ENDPOINT_LOGIN, AUTH_COOKIE_DOMAIN.
type Config struct {
	BaseURL   string    `env:"BASE_URL"    envDefault:"http://localhost:8080"`
	Endpoints Endpoints `envPrefix:"ENDPOINT_"`

	Storage StorageKind `env:"STORAGE" envDefault:"local"`

	// DurableDriver picks the engine behind StorageLocal.
	DurableDriver string `env:"DURABLE_DRIVER" envDefault:"sqlite"`
	StoragePath   string `env:"STORAGE_PATH"   envDefault:"authclient.db"`
	RedisURL      string `env:"REDIS_URL"`
	// SessionID namespaces StorageSession keys. Generated when empty.
	SessionID string `env:"SESSION_ID"`
	// StorageSecret, when set, encrypts persisted values.
	StorageSecret string `env:"STORAGE_SECRET"`

	TokenLifetime   time.Duration `env:"TOKEN_LIFETIME"    envDefault:"1h"`
	RefreshLeadTime time.Duration `env:"REFRESH_LEAD_TIME" envDefault:"5m"`
	AutoRefresh     bool          `env:"AUTO_REFRESH"      envDefault:"true"`
	RefreshInterval time.Duration `env:"REFRESH_INTERVAL"  envDefault:"60s"`

	Cookie CookieConfig `envPrefix:"COOKIE_"`

	CredentialHeader string `env:"CREDENTIAL_HEADER" envDefault:"Authorization"`
	CSRFHeader       string `env:"CSRF_HEADER"       envDefault:"X-CSRF-Token"`
	CSRFCookie       string `env:"CSRF_COOKIE"       envDefault:"csrf_token"`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	// MaxRequestsPerSecond throttles outbound calls. Zero disables throttling.
	MaxRequestsPerSecond float64 `env:"MAX_REQUESTS_PER_SECOND" envDefault:"0"`
}

const envPrefix = "AUTH_"

// DefaultConfig returns the built-in defaults, ignoring the environment.
func DefaultConfig() Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      envPrefix,
		Environment: map[string]string{},
	}); err != nil {
		// Defaults are static, a failure here is a programming error.
		panic(fmt.Sprintf("authsdk: invalid default config: %v", err))
	}
	return cfg
}

// LoadConfig reads AUTH_* variables over the defaults and validates the result.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, &Error{
			Kind:    KindValidation,
			Code:    CodeValidation,
			Message: "failed to parse environment",
			Err:     err,
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Option modifies a Config. See Config.With.
type Option func(*Config)

func WithBaseURL(u string) Option { return func(c *Config) { c.BaseURL = u } }

// WithStorage selects the backend. It accepts a string so that unrecognised
// values reach validation instead of failing to compile.
func WithStorage(kind string) Option {
	return func(c *Config) { c.Storage = StorageKind(strings.ToLower(kind)) }
}

func WithEndpoints(e Endpoints) Option { return func(c *Config) { c.Endpoints = e } }

func WithCookie(cc CookieConfig) Option { return func(c *Config) { c.Cookie = cc } }

func WithStoragePath(driver, path string) Option {
	return func(c *Config) {
		c.DurableDriver = driver
		c.StoragePath = path
	}
}

func WithRedis(url, sessionID string) Option {
	return func(c *Config) {
		c.RedisURL = url
		c.SessionID = sessionID
	}
}

func WithStorageSecret(secret string) Option {
	return func(c *Config) { c.StorageSecret = secret }
}

func WithTokenLifetime(d time.Duration) Option {
	return func(c *Config) { c.TokenLifetime = d }
}

func WithAutoRefresh(enabled bool, leadTime, interval time.Duration) Option {
	return func(c *Config) {
		c.AutoRefresh = enabled
		c.RefreshLeadTime = leadTime
		c.RefreshInterval = interval
	}
}

func WithHeaders(credential, csrf, csrfCookie string) Option {
	return func(c *Config) {
		c.CredentialHeader = credential
		c.CSRFHeader = csrf
		c.CSRFCookie = csrfCookie
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

func WithRateLimit(perSecond float64) Option {
	return func(c *Config) { c.MaxRequestsPerSecond = perSecond }
}

// With returns a copy of c with opts applied. If the result does not
// validate, c is returned unchanged together with the validation error.
func (c Config) With(opts ...Option) (Config, error) {
	next := c
	for _, opt := range opts {
		opt(&next)
	}
	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}

// Validate checks the config for consistency. The returned error is an
// *Error of KindValidation whose Fields map names each offending setting.
func (c Config) Validate() error {
	errs := make(map[string]string)

	c.validateBaseURL(errs)
	c.validateStorage(errs)
	c.validateDurations(errs)
	c.validateHeaders(errs)

	if _, err := cookie.ParseSameSite(c.Cookie.SameSite); err != nil {
		errs["cookie.same_site"] = "must be strict, lax or none"
	}

	for _, ep := range []Endpoint{
		EndpointLogin, EndpointRegister, EndpointLogout, EndpointRefresh,
		EndpointPasswordReset, EndpointVerifyEmail, EndpointResendCode,
	} {
		if p := c.Endpoints.Path(ep); !strings.HasPrefix(p, "/") {
			errs["endpoints."+string(ep)] = "must start with /"
		}
	}

	if c.MaxRequestsPerSecond < 0 {
		errs["max_requests_per_second"] = "must not be negative"
	}

	if len(errs) == 0 {
		return nil
	}
	return NewValidationError("invalid configuration", errs)
}

func (c Config) validateBaseURL(errs map[string]string) {
	u, err := url.Parse(c.BaseURL)
	switch {
	case c.BaseURL == "":
		errs["base_url"] = "required"
	case err != nil || u.Host == "":
		errs["base_url"] = "must be an absolute URL"
	case u.Scheme != "http" && u.Scheme != "https":
		errs["base_url"] = "scheme must be http or https"
	}
}

func (c Config) validateStorage(errs map[string]string) {
	if !c.Storage.Valid() {
		errs["storage"] = fmt.Sprintf("unknown backend %q", string(c.Storage))
		return
	}
	if c.Storage == StorageLocal {
		switch c.DurableDriver {
		case DriverSQLite, DriverBBolt:
		default:
			errs["durable_driver"] = "must be sqlite or bbolt"
		}
		if c.StoragePath == "" {
			errs["storage_path"] = "required for local storage"
		}
	}
	if c.StorageSecret != "" && len(c.StorageSecret) < 16 {
		errs["storage_secret"] = "too short (min 16)"
	}
}

func (c Config) validateDurations(errs map[string]string) {
	if c.TokenLifetime <= 0 {
		errs["token_lifetime"] = "must be positive"
	}
	if c.RefreshLeadTime < 0 {
		errs["refresh_lead_time"] = "must not be negative"
	}
	if c.AutoRefresh && c.RefreshInterval <= 0 {
		errs["refresh_interval"] = "must be positive when auto refresh is enabled"
	}
	if c.RequestTimeout <= 0 {
		errs["request_timeout"] = "must be positive"
	}
}

func (c Config) validateHeaders(errs map[string]string) {
	if strings.TrimSpace(c.CredentialHeader) == "" {
		errs["credential_header"] = "required"
	}
}

func (c Config) endpointURL(ep Endpoint) string {
	return strings.TrimSuffix(c.BaseURL, "/") + c.Endpoints.Path(ep)
}
