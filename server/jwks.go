package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type signingKey struct {
	priv      *rsa.PrivateKey
	jwk       jose.JSONWebKey
	kid       string
	createdAt time.Time
}

// JWKSManager owns the broker's RSA signing keys: it signs id and access
// tokens with the current key, serves the public set at the JWKS endpoint,
// and rotates on an interval while keeping the previous key available so
// tokens signed just before a rotation still verify.
type JWKSManager struct {
	mu          sync.RWMutex
	current     signingKey
	previous    *signingKey
	rotateEvery time.Duration
	path        string
	logger      *slog.Logger
}

// NewJWKSManager loads persisted keys from cfg.JWKSPath if present,
// otherwise generates a fresh key.
func NewJWKSManager(cfg KeyConfig, logger *slog.Logger) (*JWKSManager, error) {
	m := &JWKSManager{
		rotateEvery: cfg.RotateInterval.Std(),
		path:        cfg.JWKSPath,
		logger:      logger,
	}
	if m.path != "" {
		if err := m.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load jwks: %w", err)
		}
	}
	if m.current.priv == nil {
		if err := m.rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation rotates keys on the configured interval until stop closes.
func (m *JWKSManager) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.rotate(); err != nil {
					m.logger.Error("jwks rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs the claims as an RS256 JWT carrying the current kid.
func (m *JWKSManager) Sign(claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok.Header["kid"] = m.current.kid
	return tok.SignedString(m.current.priv)
}

// Keyfunc resolves the verification key for a token by kid, for use with
// golang-jwt parsing.
func (m *JWKSManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.previous != nil && kid == m.previous.kid {
		return &m.previous.priv.PublicKey, nil
	}
	return &m.current.priv.PublicKey, nil
}

// PublicJWKS returns the public key set served at /.well-known/jwks.json.
func (m *JWKSManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{m.current.jwk.Public()}}
	if m.previous != nil {
		set.Keys = append(set.Keys, m.previous.jwk.Public())
	}
	return set
}

func (m *JWKSManager) rotate() error {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	kid := newKID()
	key := signingKey{
		priv:      priv,
		jwk:       jose.JSONWebKey{Key: priv, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"},
		kid:       kid,
		createdAt: time.Now(),
	}

	m.mu.Lock()
	if m.current.priv != nil {
		prev := m.current
		m.previous = &prev
	}
	m.current = key
	m.mu.Unlock()

	if m.path != "" {
		return m.persist()
	}
	return nil
}

func (m *JWKSManager) persist() error {
	m.mu.RLock()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{m.current.jwk}}
	if m.previous != nil {
		set.Keys = append(set.Keys, m.previous.jwk)
	}
	m.mu.RUnlock()

	payload, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.path, payload, 0o600)
}

func (m *JWKSManager) load() error {
	payload, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	for i := range set.Keys {
		priv, ok := set.Keys[i].Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		key := signingKey{priv: priv, jwk: set.Keys[i], kid: set.Keys[i].KeyID, createdAt: time.Now()}
		if m.current.priv == nil {
			m.current = key
		} else if m.previous == nil {
			prev := key
			m.previous = &prev
		}
	}
	if m.current.priv == nil {
		return errors.New("no usable key in jwks file")
	}
	return nil
}

func newKID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "key"
	}
	return hex.EncodeToString(buf)
}
