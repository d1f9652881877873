package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisAuthRequestPrefix = "brokerd:authreq:"
	redisAuthCodePrefix    = "brokerd:authcode:"
	redisLogoutPrefix      = "brokerd:logout:"
	redisClaimsPrefix      = "brokerd:claims:"
)

// RedisStore is the FlowStore for multi-instance deployments. Single-use
// semantics come from GETDEL, which atomically gets and deletes the key, so
// concurrent consumers across instances see at most one winner. Expiry is
// enforced by Redis key TTLs, so an expired record is literally missing.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to Redis at the given URL
// (redis://[:password@]host:port/db) and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) save(ctx context.Context, key string, v any, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already past its deadline; storing it would only create a key
		// that can never be legally consumed.
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) consume(ctx context.Context, key string, v any) bool {
	raw, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// SaveAuthRequest stores an in-flight login attempt.
func (s *RedisStore) SaveAuthRequest(ctx context.Context, req AuthRequest) error {
	return s.save(ctx, redisAuthRequestPrefix+req.ID, req, req.ExpiresAt)
}

// ConsumeAuthRequest atomically fetches and removes a login attempt.
func (s *RedisStore) ConsumeAuthRequest(ctx context.Context, id string) (AuthRequest, bool) {
	var req AuthRequest
	if !s.consume(ctx, redisAuthRequestPrefix+id, &req) {
		return AuthRequest{}, false
	}
	return req, true
}

// SaveAuthCode stores a freshly minted authorization code.
func (s *RedisStore) SaveAuthCode(ctx context.Context, code AuthorizationCode) error {
	return s.save(ctx, redisAuthCodePrefix+code.Code, code, code.ExpiresAt)
}

// ConsumeAuthCode atomically fetches and removes a code. GETDEL guarantees
// a single winner across broker instances.
func (s *RedisStore) ConsumeAuthCode(ctx context.Context, code string) (AuthorizationCode, bool) {
	var rec AuthorizationCode
	if !s.consume(ctx, redisAuthCodePrefix+code, &rec) {
		return AuthorizationCode{}, false
	}
	return rec, true
}

// SaveLogoutRequest stores a logout correlation.
func (s *RedisStore) SaveLogoutRequest(ctx context.Context, req LogoutRequest) error {
	return s.save(ctx, redisLogoutPrefix+req.ID, req, req.ExpiresAt)
}

// ConsumeLogoutRequest atomically fetches and removes a logout correlation.
func (s *RedisStore) ConsumeLogoutRequest(ctx context.Context, id string) (LogoutRequest, bool) {
	var req LogoutRequest
	if !s.consume(ctx, redisLogoutPrefix+id, &req) {
		return LogoutRequest{}, false
	}
	return req, true
}

// SaveClaims snapshots the claims behind an issued access token.
func (s *RedisStore) SaveClaims(ctx context.Context, jti string, claims IdentityClaims, ttl time.Duration) error {
	return s.save(ctx, redisClaimsPrefix+jti, claims, time.Now().Add(ttl))
}

// LookupClaims returns the snapshot for a token's jti if still live. Unlike
// the consume paths this is a plain GET: userinfo may be called repeatedly
// over the token's lifetime.
func (s *RedisStore) LookupClaims(ctx context.Context, jti string) (IdentityClaims, bool) {
	raw, err := s.client.Get(ctx, redisClaimsPrefix+jti).Bytes()
	if err != nil {
		return nil, false
	}
	var claims IdentityClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, false
	}
	return claims, true
}
