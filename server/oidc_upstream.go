package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCAdapter drives upstream OIDC providers through the standard
// authorization-code flow. Provider metadata is discovered once per
// connection and cached for the life of the process.
type OIDCAdapter struct {
	callbackURL string

	mu        sync.Mutex
	providers map[string]*gooidc.Provider
}

// NewOIDCAdapter builds an adapter whose callbacks land on callbackURL
// (the broker's external /oidc/callback endpoint).
func NewOIDCAdapter(callbackURL string) *OIDCAdapter {
	return &OIDCAdapter{
		callbackURL: callbackURL,
		providers:   make(map[string]*gooidc.Provider),
	}
}

func (a *OIDCAdapter) provider(ctx context.Context, conn *Connection) (*gooidc.Provider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.providers[conn.ID]; ok {
		return p, nil
	}
	p, err := gooidc.NewProvider(ctx, conn.OIDC.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover issuer %s: %w", conn.OIDC.Issuer, err)
	}
	a.providers[conn.ID] = p
	return p, nil
}

func (a *OIDCAdapter) oauthConfig(p *gooidc.Provider, conn *Connection) *oauth2.Config {
	scopes := conn.OIDC.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	}
	return &oauth2.Config{
		ClientID:     conn.OIDC.ClientID,
		ClientSecret: conn.OIDC.ClientSecret,
		RedirectURL:  a.callbackURL,
		Endpoint:     p.Endpoint(),
		Scopes:       scopes,
	}
}

// Dispatch returns the upstream authorization URL with the request ID bound
// as the OAuth state, so the callback can recover its context.
func (a *OIDCAdapter) Dispatch(ctx context.Context, conn *Connection, req AuthRequest) (UpstreamRedirect, error) {
	p, err := a.provider(ctx, conn)
	if err != nil {
		return UpstreamRedirect{}, err
	}
	opts := []oauth2.AuthCodeOption{}
	if req.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", req.Nonce))
	}
	return UpstreamRedirect{URL: a.oauthConfig(p, conn).AuthCodeURL(req.ID, opts...)}, nil
}

// ParseResponse exchanges the upstream code and verifies the resulting
// id token, including the nonce echoed from Dispatch.
func (a *OIDCAdapter) ParseResponse(ctx context.Context, conn *Connection, req AuthRequest, resp UpstreamResponse) (IdentityClaims, error) {
	if resp.Error != "" {
		return nil, fmt.Errorf("upstream error %s: %s", resp.Error, resp.ErrorDescription)
	}
	if resp.Code == "" {
		return nil, errors.New("missing upstream authorization code")
	}
	p, err := a.provider(ctx, conn)
	if err != nil {
		return nil, err
	}
	tok, err := a.oauthConfig(p, conn).Exchange(ctx, resp.Code)
	if err != nil {
		return nil, fmt.Errorf("exchange upstream code: %w", err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("upstream token response missing id_token")
	}
	idToken, err := p.Verifier(&gooidc.Config{ClientID: conn.OIDC.ClientID}).Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify upstream id_token: %w", err)
	}
	if req.Nonce != "" && idToken.Nonce != req.Nonce {
		return nil, errors.New("upstream id_token nonce mismatch")
	}
	var claims IdentityClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode upstream claims: %w", err)
	}
	if claims.Subject() == "" {
		return nil, errors.New("upstream id_token has no subject")
	}
	// Upstream issuer claims are about the relationship between the IdP and
	// the broker, not the downstream client. Drop them before re-issuing.
	delete(claims, "aud")
	delete(claims, "iss")
	delete(claims, "nonce")
	return claims, nil
}

// LogoutRedirect points the user agent at the provider's end_session
// endpoint if it advertises one. OIDC logout is best effort.
func (a *OIDCAdapter) LogoutRedirect(ctx context.Context, conn *Connection, _ LogoutRequest) (string, error) {
	p, err := a.provider(ctx, conn)
	if err != nil {
		return "", err
	}
	var meta struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := p.Claims(&meta); err != nil {
		return "", fmt.Errorf("decode provider metadata: %w", err)
	}
	return meta.EndSessionEndpoint, nil
}
