// Package cookie stores tokens as cookies in an http.CookieJar. The jar is
// normally shared with the HTTP client so the server sees the same cookies.
package cookie

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Options configures cookie attributes applied on every write and removal.
type Options struct {
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// Option is a functional option for configuring cookie options.
type Option func(*Options)

// WithPath sets the cookie path attribute.
func WithPath(path string) Option {
	return func(o *Options) {
		o.Path = path
	}
}

// WithDomain sets the cookie domain attribute.
func WithDomain(domain string) Option {
	return func(o *Options) {
		o.Domain = domain
	}
}

// WithSecure sets the secure flag, ensuring cookies are only sent over HTTPS.
func WithSecure(secure bool) Option {
	return func(o *Options) {
		o.Secure = secure
	}
}

// WithSameSite sets the SameSite attribute.
func WithSameSite(sameSite http.SameSite) Option {
	return func(o *Options) {
		o.SameSite = sameSite
	}
}

// ParseSameSite maps "strict", "lax", "none" (any case) to http.SameSite.
// The empty string maps to the default mode.
func ParseSameSite(s string) (http.SameSite, error) {
	switch strings.ToLower(s) {
	case "":
		return http.SameSiteDefaultMode, nil
	case "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("cookie: unknown same-site mode %q", s)
	}
}

type Backend struct {
	jar  http.CookieJar
	base *url.URL
	opts Options
	now  func() time.Time
}

// New stores cookies in jar scoped to baseURL. Path defaults to "/".
func New(jar http.CookieJar, baseURL string, opts ...Option) (*Backend, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("cookie: parse base url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("cookie: base url %q has no host", baseURL)
	}

	o := Options{Path: "/"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Path == "" {
		o.Path = "/"
	}

	return &Backend{jar: jar, base: u, opts: o, now: time.Now}, nil
}

// scope is the URL used to set and read cookies. A secure cookie is only
// returned by the jar for https URLs.
func (b *Backend) scope() *url.URL {
	u := *b.base
	u.Path = b.opts.Path
	u.RawQuery = ""
	if b.opts.Secure {
		u.Scheme = "https"
	}
	return &u
}

func (b *Backend) cookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    url.QueryEscape(value),
		Path:     b.opts.Path,
		Domain:   b.opts.Domain,
		Secure:   b.opts.Secure,
		SameSite: b.opts.SameSite,
	}
}

func (b *Backend) Load(_ context.Context, keys ...string) (map[string]string, error) {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}

	out := make(map[string]string, len(keys))
	for _, c := range b.jar.Cookies(b.scope()) {
		if !want[c.Name] {
			continue
		}
		v, err := url.QueryUnescape(c.Value)
		if err != nil {
			continue
		}
		out[c.Name] = v
	}
	return out, nil
}

// Store sets every entry to expire at expiresAt. A zero expiresAt produces
// session cookies.
func (b *Backend) Store(_ context.Context, entries map[string]string, expiresAt time.Time) error {
	cookies := make([]*http.Cookie, 0, len(entries))
	for k, v := range entries {
		c := b.cookie(k, v)
		if v == "" {
			c.MaxAge = -1
		} else if !expiresAt.IsZero() {
			c.Expires = expiresAt.UTC()
			c.MaxAge = max(int(expiresAt.Sub(b.now()).Seconds()), 1)
		}
		cookies = append(cookies, c)
	}
	b.jar.SetCookies(b.scope(), cookies)
	return nil
}

func (b *Backend) Remove(_ context.Context, keys ...string) error {
	cookies := make([]*http.Cookie, 0, len(keys))
	for _, k := range keys {
		c := b.cookie(k, "")
		c.MaxAge = -1
		cookies = append(cookies, c)
	}
	b.jar.SetCookies(b.scope(), cookies)
	return nil
}

func (b *Backend) Close() error { return nil }
