package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FlowStore keeps the broker's only mutable state: in-flight login attempts,
// single-use authorization codes, logout correlations, and the claim
// snapshots backing /userinfo.
//
// Consume operations hand a record out at most once globally, even under
// concurrent callers, and treat "expired" exactly like "missing" so callers
// cannot distinguish the two.
type FlowStore interface {
	SaveAuthRequest(ctx context.Context, req AuthRequest) error
	ConsumeAuthRequest(ctx context.Context, id string) (AuthRequest, bool)

	SaveAuthCode(ctx context.Context, code AuthorizationCode) error
	ConsumeAuthCode(ctx context.Context, code string) (AuthorizationCode, bool)

	SaveLogoutRequest(ctx context.Context, req LogoutRequest) error
	ConsumeLogoutRequest(ctx context.Context, id string) (LogoutRequest, bool)

	SaveClaims(ctx context.Context, jti string, claims IdentityClaims, ttl time.Duration) error
	LookupClaims(ctx context.Context, jti string) (IdentityClaims, bool)
}

// NewRequestID generates an unguessable identifier for auth and logout
// requests.
func NewRequestID() string {
	return uuid.NewString()
}

// NewSecret generates an opaque URL-safe secret (authorization codes).
func NewSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable for a token issuer.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

type claimsRecord struct {
	claims    IdentityClaims
	expiresAt time.Time
}

// MemoryStore is the single-instance FlowStore used in dev mode and tests.
// Deployments running more than one broker instance use RedisStore.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]AuthRequest
	codes    map[string]AuthorizationCode
	logouts  map[string]LogoutRequest
	claims   map[string]claimsRecord
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]AuthRequest),
		codes:    make(map[string]AuthorizationCode),
		logouts:  make(map[string]LogoutRequest),
		claims:   make(map[string]claimsRecord),
	}
}

// SaveAuthRequest stores an in-flight login attempt.
func (s *MemoryStore) SaveAuthRequest(_ context.Context, req AuthRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

// ConsumeAuthRequest fetches and removes a login attempt. Expired records
// are removed and reported as missing.
func (s *MemoryStore) ConsumeAuthRequest(_ context.Context, id string) (AuthRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return AuthRequest{}, false
	}
	delete(s.requests, id)
	if time.Now().After(req.ExpiresAt) {
		return AuthRequest{}, false
	}
	return req, true
}

// SaveAuthCode stores a freshly minted authorization code.
func (s *MemoryStore) SaveAuthCode(_ context.Context, code AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
	return nil
}

// ConsumeAuthCode hands out a code exactly once. The delete under the lock
// is the atomic check-and-set: a second exchanger, concurrent or not, sees
// nothing.
func (s *MemoryStore) ConsumeAuthCode(_ context.Context, code string) (AuthorizationCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.codes[code]
	if !ok {
		return AuthorizationCode{}, false
	}
	delete(s.codes, code)
	if time.Now().After(rec.ExpiresAt) {
		return AuthorizationCode{}, false
	}
	return rec, true
}

// SaveLogoutRequest stores a logout correlation.
func (s *MemoryStore) SaveLogoutRequest(_ context.Context, req LogoutRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts[req.ID] = req
	return nil
}

// ConsumeLogoutRequest fetches and removes a logout correlation.
func (s *MemoryStore) ConsumeLogoutRequest(_ context.Context, id string) (LogoutRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.logouts[id]
	if !ok {
		return LogoutRequest{}, false
	}
	delete(s.logouts, id)
	if time.Now().After(req.ExpiresAt) {
		return LogoutRequest{}, false
	}
	return req, true
}

// SaveClaims snapshots the claims behind an issued access token.
func (s *MemoryStore) SaveClaims(_ context.Context, jti string, claims IdentityClaims, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[jti] = claimsRecord{claims: claims, expiresAt: time.Now().Add(ttl)}
	return nil
}

// LookupClaims returns the snapshot for a token's jti if still live.
func (s *MemoryStore) LookupClaims(_ context.Context, jti string) (IdentityClaims, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.claims[jti]
	if !ok {
		return nil, false
	}
	if time.Now().After(rec.expiresAt) {
		delete(s.claims, jti)
		return nil, false
	}
	return rec.claims, true
}
