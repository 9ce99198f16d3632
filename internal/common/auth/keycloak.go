// internal/common/auth/keycloak.go
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"entitlement-delivery/internal/common/errors"
	httpclient "entitlement-delivery/internal/common/http"

	"github.com/redis/go-redis/v9"
)

const principalCachePrefix = "principal:"

// KeycloakClient resolves bearer tokens to principal ids through Keycloak's
// token introspection endpoint. Resolved principals are cached in Redis keyed
// by a digest of the token, never the token itself.
type KeycloakClient struct {
	baseURL      string
	realm        string
	clientID     string
	clientSecret string
	httpClient   *httpclient.Client
	cache        redis.Cmdable
	cacheTTL     time.Duration
	now          func() time.Time
}

// TokenInfo holds the information returned by the token introspection endpoint.
type TokenInfo struct {
	Active   bool   `json:"active"`
	Sub      string `json:"sub"`
	Username string `json:"preferred_username"`
	Email    string `json:"email"`
	Exp      int64  `json:"exp"`
	ClientID string `json:"client_id"`
}

func NewKeycloakClient(baseURL, realm, clientID, clientSecret string) *KeycloakClient {
	return &KeycloakClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpclient.NewClient(10 * time.Second),
		now:          time.Now,
	}
}

// WithCache enables principal caching. A zero ttl leaves caching off.
func (k *KeycloakClient) WithCache(cache redis.Cmdable, ttl time.Duration) *KeycloakClient {
	if ttl > 0 {
		k.cache = cache
		k.cacheTTL = ttl
	}
	return k
}

// ResolvePrincipal returns the subject of an active access token.
func (k *KeycloakClient) ResolvePrincipal(ctx context.Context, bearer string) (string, error) {
	if bearer == "" {
		return "", errors.NewAuthenticationError("missing bearer token")
	}

	key := principalCachePrefix + tokenDigest(bearer)
	if k.cache != nil {
		if sub, err := k.cache.Get(ctx, key).Result(); err == nil && sub != "" {
			return sub, nil
		}
	}

	info, err := k.ValidateToken(ctx, bearer)
	if err != nil {
		return "", err
	}
	if info.Sub == "" {
		return "", errors.NewAuthenticationError("token carries no subject")
	}

	if k.cache != nil {
		ttl := k.cacheTTL
		if info.Exp > 0 {
			if left := time.Unix(info.Exp, 0).Sub(k.now()); left < ttl {
				ttl = left
			}
		}
		if ttl > 0 {
			// cache failures only cost a round trip next time
			_ = k.cache.Set(ctx, key, info.Sub, ttl).Err()
		}
	}
	return info.Sub, nil
}

// ValidateToken introspects token and rejects it unless Keycloak reports it active.
func (k *KeycloakClient) ValidateToken(ctx context.Context, token string) (*TokenInfo, error) {
	introspectURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token/introspect", k.baseURL, k.realm)

	data := url.Values{}
	data.Set("token", token)
	data.Set("token_type_hint", "access_token")
	data.Set("client_id", k.clientID)
	data.Set("client_secret", k.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, introspectURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, errors.NewInternalError(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.httpClient.DoWithContext(ctx, req)
	if err != nil {
		return nil, errors.NewUpstreamUnavailableError("keycloak", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if k.isTransientHTTPError(resp.StatusCode) {
			return nil, errors.NewUpstreamUnavailableError("keycloak", fmt.Errorf("introspection returned %d", resp.StatusCode))
		}
		return nil, errors.NewAuthenticationError(fmt.Sprintf("introspection rejected with status %d", resp.StatusCode))
	}

	var tokenInfo TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&tokenInfo); err != nil {
		return nil, errors.NewUpstreamUnavailableError("keycloak", fmt.Errorf("decode introspection response: %w", err))
	}

	if !tokenInfo.Active {
		return nil, errors.NewAuthenticationError("token is expired, revoked or malformed")
	}

	return &tokenInfo, nil
}

// isTransientHTTPError returns true if the HTTP status code indicates a potentially transient error.
func (k *KeycloakClient) isTransientHTTPError(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
