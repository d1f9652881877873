// Package client validates tokens issued by an SSO broker. Downstream apps
// embed it to check bearer tokens against the broker's published JWKS
// without calling the broker on every request.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Config configures the token validator.
type Config struct {
	// Issuer is the broker's public URL, matched against the iss claim.
	Issuer string
	// JWKSURL overrides the default <issuer>/.well-known/jwks.json.
	JWKSURL string
	// Audience is the downstream client_id the token must be issued to.
	// Empty skips the audience check.
	Audience string
	// CacheTTL bounds how long a fetched key set is reused. Default 5m.
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// Validator verifies broker-signed JWT tokens.
type Validator struct {
	cfg    Config
	client *http.Client

	mu      sync.RWMutex
	set     jose.JSONWebKeySet
	fetched time.Time
}

// Claims is the validated view of a broker token.
type Claims struct {
	Subject   string
	Issuer    string
	ClientID  string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]any
}

// New creates a validator with sane defaults.
func New(cfg Config) *Validator {
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Validator{cfg: cfg, client: client}
}

// Validate checks the token's signature against the broker's JWKS and its
// standard claims, returning the parsed view.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	mapClaims := jwt.MapClaims{}
	tok, err := jwt.NewParser(opts...).ParseWithClaims(rawToken, mapClaims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := v.lookupKey(kid)
		if key == nil {
			// Unknown kid usually means the broker rotated. Refetch once.
			if err := v.refresh(ctx); err != nil {
				return nil, err
			}
			key = v.lookupKey(kid)
		}
		if key == nil {
			return nil, errors.New("signing key not found")
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}
	return buildClaims(mapClaims), nil
}

func buildClaims(mc jwt.MapClaims) *Claims {
	c := &Claims{Raw: map[string]any(mc)}
	c.Subject, _ = mc["sub"].(string)
	c.Issuer, _ = mc["iss"].(string)
	c.TokenID, _ = mc["jti"].(string)
	if cid, ok := mc["client_id"].(string); ok {
		c.ClientID = cid
	} else if aud, ok := mc["aud"].(string); ok {
		c.ClientID = aud
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	return c
}

func (v *Validator) lookupKey(kid string) *jose.JSONWebKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if time.Since(v.fetched) > v.cfg.CacheTTL {
		return nil
	}
	for i := range v.set.Keys {
		if v.set.Keys[i].KeyID == kid || kid == "" {
			return &v.set.Keys[i]
		}
	}
	return nil
}

func (v *Validator) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	v.mu.Lock()
	v.set = set
	v.fetched = time.Now()
	v.mu.Unlock()
	return nil
}

type claimsKey struct{}

// ClaimsFromContext returns claims injected by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// RequireAuth is middleware that validates bearer tokens and injects the
// claims into the request context.
func RequireAuth(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}
			claims, err := v.Validate(r.Context(), parts[1])
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}
