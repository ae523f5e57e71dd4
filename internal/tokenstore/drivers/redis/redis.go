// Package redis is the session-scoped token backend. Keys are namespaced by a
// session id and expire on their own, so an abandoned session disappears.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every transport failure from the redis client.
var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	DefaultPrefix     = "authclient"
	DefaultSessionTTL = 24 * time.Hour
)

type Options struct {
	Prefix    string
	SessionID string

	// SessionTTL is the minimum lifetime of every key. Keys live until the
	// later of SessionTTL and the token expiry so that a refresh token
	// outlives its access token.
	SessionTTL time.Duration

	Now func() time.Time
}

type Backend struct {
	client redis.UniversalClient
	opts   Options

	// owned is set when the client was created by Open.
	owned bool
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client redis.UniversalClient, opts Options) (*Backend, error) {
	if opts.SessionID == "" {
		return nil, errors.New("redis: session id is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Backend{client: client, opts: opts}, nil
}

// Open parses a redis:// URL, connects and verifies the server responds.
func Open(ctx context.Context, url string, opts Options) (*Backend, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	b, err := New(client, opts)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

func (b *Backend) key(k string) string {
	return b.opts.Prefix + ":" + b.opts.SessionID + ":" + k
}

func (b *Backend) ttl(expiresAt time.Time) time.Duration {
	ttl := b.opts.SessionTTL
	if !expiresAt.IsZero() {
		ttl = max(ttl, expiresAt.Sub(b.opts.Now()))
	}
	return ttl
}

func (b *Backend) Load(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.key(k)
	}

	vals, err := b.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (b *Backend) Store(ctx context.Context, entries map[string]string, expiresAt time.Time) error {
	ttl := b.ttl(expiresAt)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			if v == "" {
				pipe.Del(ctx, b.key(k))
				continue
			}
			pipe.Set(ctx, b.key(k), v, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.key(k)
	}
	if err := b.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Close closes the client only when Open created it.
func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}
