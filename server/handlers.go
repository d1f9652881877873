package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    FlowStore
	Registry ConnectionRegistry
	Tokens   *TokenService
	JWKS     *JWKSManager
	Adapters map[Protocol]UpstreamAdapter

	publicURL    string
	cookieSecret []byte
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	publicURL := strings.TrimSuffix(cfg.Server.PublicURL, "/")

	var store FlowStore
	if cfg.Storage.RedisURL != "" {
		rs, err := NewRedisStore(ctx, cfg.Storage.RedisURL)
		if err != nil {
			return nil, err
		}
		store = rs
	} else {
		store = NewMemoryStore()
	}

	registry, err := NewConfigRegistry(cfg.BuildConnections())
	if err != nil {
		return nil, err
	}

	jwks, err := NewJWKSManager(cfg.Keys, logger)
	if err != nil {
		return nil, err
	}

	entityID := cfg.Server.EntityID
	if entityID == "" {
		entityID = publicURL
	}

	cookieSecret := []byte(cfg.Server.CookieSecret)
	if len(cookieSecret) == 0 {
		cookieSecret = make([]byte, 32)
		if _, err := rand.Read(cookieSecret); err != nil {
			return nil, fmt.Errorf("generate cookie secret: %w", err)
		}
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Registry: registry,
		Tokens:   NewTokenService(publicURL, jwks, store, cfg.Flows),
		JWKS:     jwks,
		Adapters: map[Protocol]UpstreamAdapter{
			ProtocolOIDC: NewOIDCAdapter(publicURL + "/oidc/callback"),
			ProtocolSAML: NewSAMLAdapter(entityID, publicURL+"/saml/acs", publicURL+"/saml/slo"),
		},
		publicURL:    publicURL,
		cookieSecret: cookieSecret,
	}, nil
}

// AuthorizeRequest encapsulates parsed parameters for /authorize.
type AuthorizeRequest struct {
	ClientID            string
	Tenant              string
	Product             string
	ConnectionID        string
	RedirectURI         string
	State               string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

func parseAuthorizeRequest(r *http.Request) AuthorizeRequest {
	q := r.URL.Query()
	return AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		Tenant:              q.Get("tenant"),
		Product:             q.Get("product"),
		ConnectionID:        q.Get("connection_id"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		ResponseType:        q.Get("response_type"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
	}
}

// selectorParams are the original query parameters the chooser must carry
// back into /authorize untouched.
func (req AuthorizeRequest) selectorParams() map[string]string {
	params := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			params[k] = v
		}
	}
	set("client_id", req.ClientID)
	set("tenant", req.Tenant)
	set("product", req.Product)
	set("redirect_uri", req.RedirectURI)
	set("state", req.State)
	set("response_type", req.ResponseType)
	set("code_challenge", req.CodeChallenge)
	set("code_challenge_method", req.CodeChallengeMethod)
	set("nonce", req.Nonce)
	return params
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req := parseAuthorizeRequest(r)

	conn, done := a.resolveConnection(w, req)
	if done {
		return
	}

	// Redirect validation gates everything. Until the target is proven to
	// belong to the connection, no error may redirect anywhere.
	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = conn.DefaultRedirectURL
	}
	if redirectURI == "" || !conn.ValidRedirect(redirectURI) {
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "redirect_uri is not registered for this connection"))
		return
	}

	if req.ResponseType != "code" {
		a.redirectError(w, r, redirectURI, req.State, NewFlowError(ErrUnsupportedResponseType, "only response_type=code is supported"))
		return
	}
	if !ValidPKCEMethod(req.CodeChallengeMethod) {
		a.redirectError(w, r, redirectURI, req.State, NewFlowError(ErrInvalidRequest, "unsupported code_challenge_method"))
		return
	}
	if req.CodeChallenge == "" && req.CodeChallengeMethod != "" {
		a.redirectError(w, r, redirectURI, req.State, NewFlowError(ErrInvalidRequest, "code_challenge_method without code_challenge"))
		return
	}
	if conn.Public() && req.CodeChallenge == "" {
		a.redirectError(w, r, redirectURI, req.State, NewFlowError(ErrInvalidRequest, "public clients must use PKCE"))
		return
	}

	now := time.Now()
	authReq := AuthRequest{
		ID:                  NewRequestID(),
		Tenant:              conn.Tenant,
		Product:             conn.Product,
		ConnectionID:        conn.ID,
		ClientID:            conn.ClientID,
		RedirectURI:         redirectURI,
		State:               req.State,
		ResponseType:        req.ResponseType,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		Status:              StatusCreated,
		CreatedAt:           now,
		ExpiresAt:           now.Add(a.Config.Flows.AuthRequestTTL.Std()),
	}

	a.dispatch(w, r, conn, authReq)
}

// resolveConnection picks the connection for an authorize request, rendering
// the chooser or an inline error itself when it cannot. The bool reports
// whether the response has already been written.
func (a *App) resolveConnection(w http.ResponseWriter, req AuthorizeRequest) (*Connection, bool) {
	if req.ClientID != "" {
		conn, ok := a.Registry.ResolveByClientID(req.ClientID)
		if !ok {
			a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "unknown client_id"))
			return nil, true
		}
		return conn, false
	}

	if req.Tenant == "" {
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "client_id or tenant is required"))
		return nil, true
	}

	conns := a.Registry.ResolveByTenantProduct(req.Tenant, req.Product)
	switch {
	case len(conns) == 0:
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "no SSO connection configured"))
		return nil, true
	case len(conns) == 1:
		return conns[0], false
	}

	// Ambiguous. A chooser submission carries connection_id, which must
	// still belong to the same tenant and product set.
	if req.ConnectionID != "" {
		for _, conn := range conns {
			if conn.ID == req.ConnectionID {
				return conn, false
			}
		}
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "connection does not belong to this tenant"))
		return nil, true
	}

	data := selectorData{
		Action:  "/authorize",
		Heading: "Sign in to " + req.Product,
		Tenant:  req.Tenant,
		Product: req.Product,
		Params:  req.selectorParams(),
	}
	for _, conn := range conns {
		data.Connections = append(data.Connections, selectorOption{
			ID:          conn.ID,
			DisplayName: conn.DisplayName,
			Protocol:    conn.Protocol,
		})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderSelector(w, data); err != nil {
		a.Logger.Error("render selector", "error", err)
	}
	return nil, true
}

// dispatch stores the request context and hands the user agent to the
// upstream IdP.
func (a *App) dispatch(w http.ResponseWriter, r *http.Request, conn *Connection, authReq AuthRequest) {
	adapter, ok := a.Adapters[conn.Protocol]
	if !ok {
		a.renderInlineError(w, NewFlowError(ErrServerError, ""))
		return
	}

	redirect, err := adapter.Dispatch(r.Context(), conn, authReq)
	if err != nil {
		a.Logger.Error("dispatch upstream", "connection", conn.ID, "error", err)
		a.redirectError(w, r, authReq.RedirectURI, authReq.State, AsFlowError(err))
		return
	}

	authReq.Status = StatusDispatched
	if err := a.Store.SaveAuthRequest(r.Context(), authReq); err != nil {
		a.Logger.Error("save auth request", "error", err)
		a.redirectError(w, r, authReq.RedirectURI, authReq.State, NewFlowError(ErrServerError, ""))
		return
	}

	if len(redirect.FormHTML) > 0 {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(redirect.FormHTML)
		return
	}
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

func (a *App) handleSAMLACS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "invalid form"))
		return
	}
	a.completeLogin(w, r, r.FormValue("RelayState"), UpstreamResponse{
		SAMLResponse: r.FormValue("SAMLResponse"),
	})
}

func (a *App) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a.completeLogin(w, r, q.Get("state"), UpstreamResponse{
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
}

// completeLogin is the shared tail of both upstream response endpoints:
// consume the request context exactly once, verify the upstream response,
// mint a code, and send the user agent back to the downstream app.
func (a *App) completeLogin(w http.ResponseWriter, r *http.Request, requestID string, resp UpstreamResponse) {
	if requestID == "" {
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "missing request correlation"))
		return
	}

	// The consume is the replay barrier: a response for an already-used,
	// expired, or unknown context stops here, before any verification.
	authReq, ok := a.Store.ConsumeAuthRequest(r.Context(), requestID)
	if !ok {
		a.renderInlineError(w, NewFlowError(ErrAccessDenied, "login attempt is unknown or has expired"))
		return
	}

	conn, ok := a.Registry.ResolveByID(authReq.ConnectionID)
	if !ok {
		a.renderInlineError(w, NewFlowError(ErrAccessDenied, "connection is no longer available"))
		return
	}

	adapter := a.Adapters[conn.Protocol]
	claims, err := adapter.ParseResponse(r.Context(), conn, authReq, resp)
	if err != nil {
		a.Logger.Warn("upstream response rejected", "connection", conn.ID, "request_id", authReq.ID, "error", err)
		a.redirectError(w, r, authReq.RedirectURI, authReq.State, NewFlowError(ErrAccessDenied, "upstream authentication failed"))
		return
	}

	code, err := a.Tokens.IssueCode(r.Context(), authReq, claims)
	if err != nil {
		a.Logger.Error("issue code", "error", err)
		a.redirectError(w, r, authReq.RedirectURI, authReq.State, NewFlowError(ErrServerError, ""))
		return
	}

	a.Logger.Info("login complete", "connection", conn.ID, "client_id", authReq.ClientID, "sub", claims.Subject())
	http.Redirect(w, r, codeRedirectURL(authReq.RedirectURI, code.Code, authReq.State), http.StatusFound)
}

// handleIDPInitiated starts a login from the IdP side: no downstream request
// exists yet, so one is synthesized against the connection's default
// redirect URL before the normal upstream round trip.
func (a *App) handleIDPInitiated(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "invalid form"))
		return
	}
	connectionID := r.FormValue("connection_id")
	if connectionID == "" {
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "connection_id is required"))
		return
	}
	conn, ok := a.Registry.ResolveByID(connectionID)
	if !ok {
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "unknown connection"))
		return
	}
	if conn.DefaultRedirectURL == "" {
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "connection has no default redirect url"))
		return
	}

	now := time.Now()
	authReq := AuthRequest{
		ID:           NewRequestID(),
		Tenant:       conn.Tenant,
		Product:      conn.Product,
		ConnectionID: conn.ID,
		ClientID:     conn.ClientID,
		RedirectURI:  conn.DefaultRedirectURL,
		ResponseType: "code",
		Status:       StatusCreated,
		IdPInitiated: true,
		CreatedAt:    now,
		ExpiresAt:    now.Add(a.Config.Flows.AuthRequestTTL.Std()),
	}
	a.dispatch(w, r, conn, authReq)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest, "invalid form")
		return
	}
	if gt := r.FormValue("grant_type"); gt != "authorization_code" {
		writeOAuthError(w, http.StatusBadRequest, ErrUnsupportedGrantType, "only authorization_code is supported")
		return
	}

	clientID, clientSecret := clientCredentials(r)
	conn, ok := a.Registry.ResolveByClientID(clientID)
	if !ok {
		writeOAuthError(w, http.StatusUnauthorized, ErrInvalidClient, "client authentication failed")
		return
	}
	if !conn.Public() && !conn.SecretMatches(clientSecret) {
		writeOAuthError(w, http.StatusUnauthorized, ErrInvalidClient, "client authentication failed")
		return
	}

	// Atomic consume. A concurrent duplicate exchange loses here and gets
	// invalid_grant, same as an expired or unknown code.
	authCode, ok := a.Store.ConsumeAuthCode(r.Context(), r.FormValue("code"))
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidGrant, "code is invalid or expired")
		return
	}
	if authCode.ClientID != conn.ClientID {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidGrant, "code was issued to another client")
		return
	}
	if ru := r.FormValue("redirect_uri"); ru != authCode.RedirectURI {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidGrant, "redirect_uri mismatch")
		return
	}
	// IdP-initiated codes never carry a challenge; there was no downstream
	// request to bind one to, so the public-client mandate cannot apply.
	if authCode.CodeChallenge != "" || (conn.Public() && !authCode.IdPInitiated) {
		if err := VerifyPKCE(authCode.CodeChallengeMethod, authCode.CodeChallenge, r.FormValue("code_verifier")); err != nil {
			writeOAuthError(w, http.StatusBadRequest, ErrInvalidGrant, err.Error())
			return
		}
	}

	tokens, err := a.Tokens.MintTokens(r.Context(), authCode)
	if err != nil {
		a.Logger.Error("mint tokens", "client_id", conn.ClientID, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, ErrServerError, "")
		return
	}
	a.Logger.Info("tokens issued", "client_id", conn.ClientID, "connection", authCode.ConnectionID)
	writeJSON(w, tokens)
}

// handleUserInfo returns the claims snapshot for a bearer token. Every
// failure mode is a bare 401; callers learn nothing about why.
func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		unauthorized(w)
		return
	}
	jti, err := a.Tokens.ValidateAccessToken(token)
	if err != nil {
		unauthorized(w)
		return
	}
	claims, ok := a.Store.LookupClaims(r.Context(), jti)
	if !ok {
		unauthorized(w)
		return
	}
	writeJSON(w, claims)
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.JWKS.PublicJWKS())
}

func (a *App) handleError(w http.ResponseWriter, r *http.Request) {
	fe := &FlowError{Code: ErrServerError}
	if cookie, err := r.Cookie(errorCookieName); err == nil {
		if parsed, err := ParseErrorCookie(a.cookieSecret, cookie.Value); err == nil {
			fe = parsed
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_ = renderErrorPage(w, fe)
}

// renderInlineError answers directly with the error page. Used whenever the
// redirect target is not yet trusted.
func (a *App) renderInlineError(w http.ResponseWriter, fe *FlowError) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_ = renderErrorPage(w, fe)
}

// redirectError sends the error to the validated redirect URI using the
// standard query parameters. If the target cannot be used, the error rides
// a signed cookie to the broker's own error page instead.
func (a *App) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, fe *FlowError) {
	if redirectURI != "" {
		http.Redirect(w, r, ErrorRedirectURL(redirectURI, state, fe), http.StatusFound)
		return
	}
	signed, err := SignErrorCookie(a.cookieSecret, fe)
	if err != nil {
		a.renderInlineError(w, fe)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     errorCookieName,
		Value:    signed,
		Path:     "/error",
		MaxAge:   int(errorCookieTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.publicURL+"/error", http.StatusFound)
}

// codeRedirectURL appends code and state to a validated redirect URI.
func codeRedirectURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
	w.WriteHeader(http.StatusUnauthorized)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	_ = json.NewEncoder(w).Encode(body)
}
