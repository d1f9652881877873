package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenService mints the broker's own authorization codes and tokens after
// an upstream identity has been verified, and validates presented access
// tokens for /userinfo.
type TokenService struct {
	issuer    string
	jwks      *JWKSManager
	store     FlowStore
	codeTTL   time.Duration
	accessTTL time.Duration
	idTTL     time.Duration
}

// NewTokenService wires the token issuer.
func NewTokenService(issuer string, jwks *JWKSManager, store FlowStore, flows FlowConfig) *TokenService {
	return &TokenService{
		issuer:    issuer,
		jwks:      jwks,
		store:     store,
		codeTTL:   flows.AuthCodeTTL.Std(),
		accessTTL: flows.AccessTokenTTL.Std(),
		idTTL:     flows.IDTokenTTL.Std(),
	}
}

// IssueCode mints a single-use authorization code binding the verified
// claims to the originating request, and stores it with a short TTL.
func (s *TokenService) IssueCode(ctx context.Context, req AuthRequest, claims IdentityClaims) (AuthorizationCode, error) {
	now := time.Now()
	code := AuthorizationCode{
		Code:                NewSecret(),
		RequestID:           req.ID,
		ConnectionID:        req.ConnectionID,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		IdPInitiated:        req.IdPInitiated,
		Claims:              claims,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.codeTTL),
	}
	if err := s.store.SaveAuthCode(ctx, code); err != nil {
		return AuthorizationCode{}, fmt.Errorf("save authorization code: %w", err)
	}
	return code, nil
}

// MintTokens produces the token endpoint response for a consumed code: an
// RS256 id token and access token signed with the current key, plus a claims
// snapshot keyed by the access token's jti for later /userinfo calls.
func (s *TokenService) MintTokens(ctx context.Context, code AuthorizationCode) (TokenResponse, error) {
	sub := code.Claims.Subject()
	if sub == "" {
		return TokenResponse{}, errors.New("code carries no subject")
	}
	now := time.Now()
	jti := NewRequestID()

	idClaims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": sub,
		"aud": code.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(s.idTTL).Unix(),
	}
	if code.Nonce != "" {
		idClaims["nonce"] = code.Nonce
	}
	for k, v := range code.Claims {
		switch k {
		case "iss", "sub", "aud", "iat", "exp", "nonce", "jti":
			continue
		}
		idClaims[k] = v
	}
	idToken, err := s.jwks.Sign(idClaims)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sign id token: %w", err)
	}

	accessToken, err := s.jwks.Sign(jwt.MapClaims{
		"iss":       s.issuer,
		"sub":       sub,
		"aud":       code.ClientID,
		"client_id": code.ClientID,
		"jti":       jti,
		"iat":       now.Unix(),
		"exp":       now.Add(s.accessTTL).Unix(),
	})
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sign access token: %w", err)
	}

	if err := s.store.SaveClaims(ctx, jti, code.Claims, s.accessTTL); err != nil {
		return TokenResponse{}, fmt.Errorf("save claims snapshot: %w", err)
	}

	return TokenResponse{
		AccessToken: accessToken,
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTTL.Seconds()),
	}, nil
}

// ValidateAccessToken verifies a bearer token's signature, issuer, and
// expiry, and returns its jti for the claims lookup.
func (s *TokenService) ValidateAccessToken(tokenString string) (string, error) {
	tok, err := jwt.Parse(tokenString, s.jwks.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected claims type")
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return "", errors.New("token has no jti")
	}
	return jti, nil
}
