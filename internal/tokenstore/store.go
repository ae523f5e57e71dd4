// Package tokenstore persists the access token, refresh token and expiry of a
// client session over one of several interchangeable key/value backends.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/cryptox"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

// Logical keys shared by every backend.
const (
	KeyAccessToken  = "auth_token"
	KeyRefreshToken = "auth_refresh_token"
	KeyExpiresAt    = "auth_token_expiration" // epoch milliseconds
	KeyUser         = "auth_user"
)

// DefaultLifetime is used when neither the caller nor Options supply one.
const DefaultLifetime = time.Hour

var tokenKeys = []string{KeyAccessToken, KeyRefreshToken, KeyExpiresAt}

var ErrClosed = errors.New("tokenstore: closed")

// Backend is the key/value contract implemented by the drivers.
//
// Store must apply all entries atomically. An entry with an empty value
// removes that key. expiresAt is a hint for backends that can expire data on
// their own (cookies, redis); it is zero when unknown.
type Backend interface {
	Load(ctx context.Context, keys ...string) (map[string]string, error)
	Store(ctx context.Context, entries map[string]string, expiresAt time.Time) error
	Remove(ctx context.Context, keys ...string) error
	Close() error
}

// Record is the persisted credential set. Zero fields are absent.
type Record struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (r Record) HasAccessToken() bool  { return r.AccessToken != "" }
func (r Record) HasRefreshToken() bool { return r.RefreshToken != "" }
func (r Record) HasExpiry() bool       { return !r.ExpiresAt.IsZero() }

type Options struct {
	// DefaultLifetime applies when Write is called without a lifetime.
	DefaultLifetime time.Duration

	// PersistIdentity enables the auth_user blob. Only the durable and
	// session-scoped backends keep identity.
	PersistIdentity bool

	// Sealer, when set, encrypts every value before it reaches the backend.
	Sealer *cryptox.Sealer

	Now    func() time.Time
	Logger *slog.Logger
}

// Store is safe for concurrent use. Writes are serialised so that a Read
// issued after Write returns always observes the written record.
type Store struct {
	backend Backend
	opts    Options
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func New(backend Backend, opts Options) *Store {
	if opts.DefaultLifetime <= 0 {
		opts.DefaultLifetime = DefaultLifetime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		backend: backend,
		opts:    opts,
		log:     slogx.OrDefault(opts.Logger).With("component", "tokenstore"),
	}
}

// Read returns the current record. It never fails: backend errors and
// undecodable values come back as absent fields.
func (s *Store) Read(ctx context.Context) Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}
	}

	values, err := s.backend.Load(ctx, tokenKeys...)
	if err != nil {
		s.log.Warn("token read failed", "err", err)
		return Record{}
	}

	rec := Record{
		AccessToken:  s.open(KeyAccessToken, values[KeyAccessToken]),
		RefreshToken: s.open(KeyRefreshToken, values[KeyRefreshToken]),
	}
	if raw := s.open(KeyExpiresAt, values[KeyExpiresAt]); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.log.Warn("ignoring malformed expiry", "value", raw)
		} else {
			rec.ExpiresAt = time.UnixMilli(ms)
		}
	}
	return rec
}

// Write persists the credentials with expiresAt = now + lifetime. A
// non-positive lifetime selects the configured default. An empty refresh
// token removes any stored one.
func (s *Store) Write(ctx context.Context, accessToken, refreshToken string, lifetime time.Duration) (Record, error) {
	if lifetime <= 0 {
		lifetime = s.opts.DefaultLifetime
	}

	// Millisecond precision matches what is persisted.
	expiresAt := time.UnixMilli(s.opts.Now().Add(lifetime).UnixMilli())
	rec := Record{AccessToken: accessToken, RefreshToken: refreshToken, ExpiresAt: expiresAt}

	entries := map[string]string{
		KeyAccessToken:  accessToken,
		KeyRefreshToken: refreshToken,
		KeyExpiresAt:    strconv.FormatInt(expiresAt.UnixMilli(), 10),
	}
	if err := s.seal(entries); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, ErrClosed
	}
	if err := s.backend.Store(ctx, entries, expiresAt); err != nil {
		return Record{}, fmt.Errorf("failed to write tokens: %w", err)
	}
	return rec, nil
}

// Clear removes the credentials and any identity blob. It is idempotent.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if err := s.backend.Remove(ctx, KeyAccessToken, KeyRefreshToken, KeyExpiresAt, KeyUser); err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	return nil
}

// ReadIdentity returns the persisted identity blob, if any.
func (s *Store) ReadIdentity(ctx context.Context) ([]byte, bool) {
	if !s.opts.PersistIdentity {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false
	}

	values, err := s.backend.Load(ctx, KeyUser)
	if err != nil {
		s.log.Warn("identity read failed", "err", err)
		return nil, false
	}
	blob := s.open(KeyUser, values[KeyUser])
	if blob == "" {
		return nil, false
	}
	return []byte(blob), true
}

// WriteIdentity stores the identity blob alongside the tokens. It is a no-op
// for backends that do not keep identity.
func (s *Store) WriteIdentity(ctx context.Context, blob []byte) error {
	if !s.opts.PersistIdentity {
		return nil
	}

	entries := map[string]string{KeyUser: string(blob)}
	if err := s.seal(entries); err != nil {
		return err
	}

	var expiresAt time.Time
	if rec := s.Read(ctx); rec.HasExpiry() {
		expiresAt = rec.ExpiresAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.backend.Store(ctx, entries, expiresAt); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	return nil
}

// Close releases the backend. Subsequent reads return absent records.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.Close()
}

func (s *Store) seal(entries map[string]string) error {
	if s.opts.Sealer == nil {
		return nil
	}
	for k, v := range entries {
		if v == "" {
			continue
		}
		sealed, err := s.opts.Sealer.SealString(v)
		if err != nil {
			return fmt.Errorf("failed to seal %s: %w", k, err)
		}
		entries[k] = sealed
	}
	return nil
}

func (s *Store) open(key, v string) string {
	if v == "" || s.opts.Sealer == nil {
		return v
	}
	plain, err := s.opts.Sealer.OpenString(v)
	if err != nil {
		s.log.Warn("dropping unreadable value", "key", key, "err", err)
		return ""
	}
	return plain
}
