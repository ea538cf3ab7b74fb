package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/oauth2"

	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrTokenNotFound is returned when no token is cached
	ErrTokenNotFound = errors.New("cached token not found")

	// ErrTokenExpired is returned when the cached token is expired
	ErrTokenExpired = errors.New("cached token expired")
)

const (
	// DefaultTTL is the cache TTL for tokens without an expiry
	DefaultTTL = time.Hour

	// DefaultSkew refreshes tokens this long before they expire
	DefaultSkew = time.Minute

	// CacheKeyPrefix is the prefix for auth token cache keys
	CacheKeyPrefix = "auth:token:"
)

// CachedToken is an access token as stored in Redis
type CachedToken struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// IsExpired checks if the token is expired (with skew)
func (t *CachedToken) IsExpired(skew time.Duration) bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return time.Now().Add(skew).Unix() >= t.ExpiresAt
}

// OAuth2 converts the cached token for use by an oauth2 transport
func (t *CachedToken) OAuth2() *oauth2.Token {
	token := &oauth2.Token{AccessToken: t.Token, TokenType: t.TokenType}
	if t.ExpiresAt > 0 {
		token.Expiry = time.Unix(t.ExpiresAt, 0)
	}
	return token
}

// TokenCache shares access tokens between processes so refresh flows run once per expiry
type TokenCache struct {
	client *redis.Client
	skew   time.Duration
	logger ectologger.Logger
}

// NewTokenCache creates a new token cache
func NewTokenCache(client *redis.Client, logger ectologger.Logger) *TokenCache {
	return &TokenCache{
		client: client,
		skew:   DefaultSkew,
		logger: logger,
	}
}

// TokenSource wraps base so tokens are served from the cache under key while valid
func (c *TokenCache) TokenSource(ctx context.Context, key string, base oauth2.TokenSource) oauth2.TokenSource {
	return &cachedSource{ctx: ctx, cache: c, key: CacheKeyPrefix + key, base: base}
}

// Invalidate removes a cached token, e.g. after the platform rejected it
func (c *TokenCache) Invalidate(ctx context.Context, key string) error {
	ctx, span := tracing.StartSpan(ctx, "TokenCache.Invalidate")
	defer span.End()

	return c.client.Del(ctx, CacheKeyPrefix+key)
}

func (c *TokenCache) get(ctx context.Context, key string) (*CachedToken, error) {
	raw, err := c.client.Get(ctx, key)
	if redis.IsNil(err) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	var token CachedToken
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return nil, fmt.Errorf("failed to decode cached token: %w", err)
	}
	if token.IsExpired(c.skew) {
		return nil, ErrTokenExpired
	}
	return &token, nil
}

func (c *TokenCache) put(ctx context.Context, key string, token *oauth2.Token) error {
	cached := CachedToken{
		Token:     token.AccessToken,
		TokenType: token.TokenType,
		CreatedAt: time.Now().Unix(),
	}

	ttl := DefaultTTL
	if !token.Expiry.IsZero() {
		cached.ExpiresAt = token.Expiry.Unix()
		ttl = time.Until(token.Expiry)
	}
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(cached)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl)
}

type cachedSource struct {
	ctx   context.Context
	cache *TokenCache
	key   string
	base  oauth2.TokenSource
}

func (s *cachedSource) Token() (*oauth2.Token, error) {
	ctx, span := tracing.StartSpan(s.ctx, "TokenCache.Token")
	defer span.End()

	cached, err := s.cache.get(ctx, s.key)
	if err == nil {
		return cached.OAuth2(), nil
	}
	if !errors.Is(err, ErrTokenNotFound) && !errors.Is(err, ErrTokenExpired) {
		s.cache.logger.WithContext(ctx).WithError(err).Warn("Failed to read cached auth token")
	}

	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	if err := s.cache.put(ctx, s.key, token); err != nil {
		s.cache.logger.WithContext(ctx).WithError(err).Warn("Failed to cache auth token")
	}
	return token, nil
}
