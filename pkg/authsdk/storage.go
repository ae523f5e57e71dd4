package authsdk

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aussiebroadwan/authclient/internal/tokenstore"
	"github.com/aussiebroadwan/authclient/internal/tokenstore/drivers/bbolt"
	"github.com/aussiebroadwan/authclient/internal/tokenstore/drivers/cookie"
	"github.com/aussiebroadwan/authclient/internal/tokenstore/drivers/memory"
	"github.com/aussiebroadwan/authclient/internal/tokenstore/drivers/redis"
	"github.com/aussiebroadwan/authclient/internal/tokenstore/drivers/sqlite"
	"github.com/aussiebroadwan/authclient/pkg/idx"
)

// openBackend builds the backend selected by cfg.Storage. jar is only used
// by the cookie backend.
func openBackend(ctx context.Context, cfg Config, jar http.CookieJar) (tokenstore.Backend, error) {
	switch cfg.Storage {
	case StorageLocal:
		switch cfg.DurableDriver {
		case DriverBBolt:
			return bbolt.Open(cfg.StoragePath, "")
		default:
			return sqlite.Open(cfg.StoragePath)
		}

	case StorageSession:
		if cfg.RedisURL == "" {
			// Without redis the session lives as long as the process.
			return memory.New(), nil
		}
		sessionID := cfg.SessionID
		if sessionID == "" {
			sessionID = idx.New().String()
		}
		return redis.Open(ctx, cfg.RedisURL, redis.Options{SessionID: sessionID})

	case StorageCookie:
		sameSite, err := cookie.ParseSameSite(cfg.Cookie.SameSite)
		if err != nil {
			return nil, err
		}
		return cookie.New(jar, cfg.BaseURL,
			cookie.WithPath(cfg.Cookie.Path),
			cookie.WithDomain(cfg.Cookie.Domain),
			cookie.WithSecure(cfg.Cookie.Secure),
			cookie.WithSameSite(sameSite),
		)

	case StorageMemory:
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown token storage %q", string(cfg.Storage))
}
