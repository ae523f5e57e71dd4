package authsdk

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/aussiebroadwan/authclient/internal/tokenstore"
)

// ============================================================================
// Identity
// ============================================================================

// User is the identity returned by the auth server. Fields other than id,
// email and name are kept in Attributes and round-trip through JSON.
type User struct {
	ID         string
	Email      string
	Name       string
	Attributes map[string]any
}

func (u User) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(u.Attributes)+3)
	maps.Copy(out, u.Attributes)
	out["id"] = u.ID
	if u.Email != "" {
		out["email"] = u.Email
	}
	if u.Name != "" {
		out["name"] = u.Name
	}
	return json.Marshal(out)
}

func (u *User) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*u = User{}
	for k, v := range raw {
		switch k {
		case "id":
			id, err := decodeID(v)
			if err != nil {
				return fmt.Errorf("user id: %w", err)
			}
			u.ID = id
		case "email":
			if err := json.Unmarshal(v, &u.Email); err != nil {
				return fmt.Errorf("user email: %w", err)
			}
		case "name":
			if err := json.Unmarshal(v, &u.Name); err != nil {
				return fmt.Errorf("user name: %w", err)
			}
		default:
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			if u.Attributes == nil {
				u.Attributes = make(map[string]any)
			}
			u.Attributes[k] = val
		}
	}
	return nil
}

// decodeID accepts both string and numeric ids.
func decodeID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// ============================================================================
// Requests
// ============================================================================

// Credentials is the login request body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the registration body. Extra fields are merged into the
// top-level JSON object; the named fields win on conflict.
type RegisterRequest struct {
	Email    string
	Password string
	Name     string
	Extra    map[string]any
}

func (r RegisterRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+3)
	maps.Copy(out, r.Extra)
	out["email"] = r.Email
	out["password"] = r.Password
	if r.Name != "" {
		out["name"] = r.Name
	}
	return json.Marshal(out)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type verifyRequest struct {
	Code  string `json:"code"`
	Email string `json:"email,omitempty"`
}

// ============================================================================
// Responses
// ============================================================================

// TokenPayload is the token part of an auth response. Both camelCase and the
// OAuth2 snake_case field names are accepted.
type TokenPayload struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	// ExpiresIn is the lifetime in seconds. Zero means not declared.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

func (t *TokenPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		AccessToken       string      `json:"accessToken"`
		RefreshToken      string      `json:"refreshToken"`
		ExpiresIn         json.Number `json:"expiresIn"`
		SnakeAccessToken  string      `json:"access_token"`
		SnakeRefreshToken string      `json:"refresh_token"`
		SnakeExpiresIn    json.Number `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = TokenPayload{
		AccessToken:  firstNonEmpty(raw.AccessToken, raw.SnakeAccessToken),
		RefreshToken: firstNonEmpty(raw.RefreshToken, raw.SnakeRefreshToken),
	}
	if n := firstNonEmpty(string(raw.ExpiresIn), string(raw.SnakeExpiresIn)); n != "" {
		secs, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return fmt.Errorf("expiresIn: %w", err)
		}
		t.ExpiresIn = int64(secs)
	}
	return nil
}

// Lifetime returns the declared lifetime, or 0 when the server did not say.
func (t TokenPayload) Lifetime() time.Duration {
	if t.ExpiresIn <= 0 {
		return 0
	}
	return time.Duration(t.ExpiresIn) * time.Second
}

// AuthResponse is returned by login, register and refresh:
// {"user": {...}, "token": {"accessToken": ..., "refreshToken": ..., "expiresIn": ...}}.
// A flat body with the token fields at the top level is accepted too.
type AuthResponse struct {
	User  *User        `json:"user,omitempty"`
	Token TokenPayload `json:"token"`
}

func (a *AuthResponse) UnmarshalJSON(data []byte) error {
	var nested struct {
		User  *User         `json:"user"`
		Token *TokenPayload `json:"token"`
	}
	if err := json.Unmarshal(data, &nested); err != nil {
		return err
	}

	*a = AuthResponse{User: nested.User}
	if nested.Token != nil {
		a.Token = *nested.Token
		return nil
	}
	return json.Unmarshal(data, &a.Token)
}

// TokenRecord is the persisted credential set.
type TokenRecord = tokenstore.Record

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
