package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAdapter stands in for both protocol adapters so handler tests never
// touch a real IdP.
type fakeAdapter struct {
	mu         sync.Mutex
	dispatched []AuthRequest
	lastLogout LogoutRequest

	dispatchURL string
	dispatchErr error
	formHTML    []byte
	claims      IdentityClaims
	parseErr    error
	logoutURL   string
}

func (f *fakeAdapter) Dispatch(_ context.Context, _ *Connection, req AuthRequest) (UpstreamRedirect, error) {
	if f.dispatchErr != nil {
		return UpstreamRedirect{}, f.dispatchErr
	}
	f.mu.Lock()
	f.dispatched = append(f.dispatched, req)
	f.mu.Unlock()
	if len(f.formHTML) > 0 {
		return UpstreamRedirect{FormHTML: f.formHTML}, nil
	}
	return UpstreamRedirect{URL: f.dispatchURL}, nil
}

func (f *fakeAdapter) ParseResponse(_ context.Context, _ *Connection, _ AuthRequest, _ UpstreamResponse) (IdentityClaims, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	return f.claims, nil
}

func (f *fakeAdapter) LogoutRedirect(_ context.Context, _ *Connection, req LogoutRequest) (string, error) {
	f.mu.Lock()
	f.lastLogout = req
	f.mu.Unlock()
	return f.logoutURL, nil
}

func (f *fakeAdapter) lastDispatched(t *testing.T) AuthRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dispatched) == 0 {
		t.Fatal("nothing was dispatched")
	}
	return f.dispatched[len(f.dispatched)-1]
}

func testConnection() *Connection {
	return &Connection{
		ID:                 "conn-saml",
		Tenant:             "acme",
		Product:            "crm",
		DisplayName:        "Acme SAML",
		ClientID:           "acme-crm",
		ClientSecret:       "shhh",
		Protocol:           ProtocolSAML,
		RedirectURLs:       []string{"https://app.example.com/cb"},
		DefaultRedirectURL: "https://app.example.com/cb",
		SAML:               samlSettings(),
	}
}

func newTestApp(t *testing.T, fake *fakeAdapter, conns ...*Connection) *App {
	t.Helper()
	if len(conns) == 0 {
		conns = []*Connection{testConnection()}
	}
	registry, err := NewConfigRegistry(conns)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	logger := slog.Default()
	jwks, err := NewJWKSManager(KeyConfig{}, logger)
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	store := NewMemoryStore()
	cfg := defaultConfig()
	cfg.Server.PublicURL = "https://broker.example.com"

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Registry: registry,
		Tokens:   NewTokenService("https://broker.example.com", jwks, store, cfg.Flows),
		JWKS:     jwks,
		Adapters: map[Protocol]UpstreamAdapter{
			ProtocolSAML: fake,
			ProtocolOIDC: fake,
		},
		publicURL:    "https://broker.example.com",
		cookieSecret: []byte("0123456789abcdef0123456789abcdef"),
	}
}

func doRequest(app *App, method, target string, form url.Values) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, req)
	return rec
}

func authorizeURL(params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return "/authorize?" + q.Encode()
}

func TestAuthorizeDispatchesUpstream(t *testing.T) {
	fake := &fakeAdapter{dispatchURL: "https://idp.example.com/sso?SAMLRequest=abc"}
	app := newTestApp(t, fake)

	rec := doRequest(app, http.MethodGet, authorizeURL(map[string]string{
		"client_id":     "acme-crm",
		"redirect_uri":  "https://app.example.com/cb",
		"response_type": "code",
		"state":         "app-state",
	}), nil)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != fake.dispatchURL {
		t.Fatalf("location = %s", loc)
	}

	dispatched := fake.lastDispatched(t)
	if dispatched.ClientID != "acme-crm" || dispatched.State != "app-state" {
		t.Fatalf("dispatched request = %+v", dispatched)
	}
	if _, ok := app.Store.ConsumeAuthRequest(context.Background(), dispatched.ID); !ok {
		t.Fatal("auth request was not stored")
	}
}

func TestAuthorizePostBindingWritesForm(t *testing.T) {
	fake := &fakeAdapter{formHTML: []byte("<html><form id=\"saml\"></form></html>")}
	app := newTestApp(t, fake)

	rec := doRequest(app, http.MethodGet, authorizeURL(map[string]string{
		"client_id":     "acme-crm",
		"redirect_uri":  "https://app.example.com/cb",
		"response_type": "code",
	}), nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "form id=\"saml\"") {
		t.Fatal("form body not written")
	}
}

func TestAuthorizeEvilRedirectIsInlineError(t *testing.T) {
	fake := &fakeAdapter{}
	app := newTestApp(t, fake)

	rec := doRequest(app, http.MethodGet, authorizeURL(map[string]string{
		"client_id":     "acme-crm",
		"redirect_uri":  "https://evil.example.com/cb",
		"response_type": "code",
	}), nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "" {
		t.Fatalf("must not redirect, got Location %s", loc)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.dispatched) != 0 {
		t.Fatal("dispatched despite invalid redirect")
	}
}

func TestAuthorizeUnknownClientIsInlineError(t *testing.T) {
	app := newTestApp(t, &fakeAdapter{})
	rec := doRequest(app, http.MethodGet, authorizeURL(map[string]string{
		"client_id":     "ghost",
		"redirect_uri":  "https://app.example.com/cb",
		"response_type": "code",
	}), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAuthorizeUnsupportedResponseTypeRedirects(t *testing.T) {
	app := newTestApp(t, &fakeAdapter{})
	rec := doRequest(app, http.MethodGet, authorizeURL(map[string]string{
		"client_id":     "acme-crm",
		"redirect_uri":  "https://app.example.com/cb",
		"response_type": "token",
		"state":         "s1",
	}), nil)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Host != "app.example.com" {
		t.Fatalf("error redirected off the registered host: %s", loc)
	}
	if loc.Query().Get("error") != ErrUnsupportedResponseType || loc.Query().Get("state") != "s1" {
		t.Fatalf("query = %s", loc.RawQuery)
	}
}

func TestAuthorizePublicClientRequiresPKCE(t *testing.T) {
	conn := testConnection()
	conn.ClientSecret = ""
	app := newTestApp(t, &fakeAdapter{}, conn)

	rec := doRequest(app, http.MethodGet, authorizeURL(map[string]string{
		"client_id":     "acme-crm",
		"redirect_uri":  "https://app.example.com/cb",
		"response_type": "code",
	}), nil)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("error") != ErrInvalidRequest {
		t.Fatalf("error = %s", loc.Query().Get("error"))
	}
}

func TestAuthorizeAmbiguousTenantRendersSelector(t *testing.T) {
	a := testConnection()
	b := testConnection()
	b.ID = "conn-oidc"
	b.ClientID = "acme-crm-2"
	b.DisplayName = "Acme OIDC"
	b.Protocol = ProtocolOIDC
	b.SAML = nil
	b.OIDC = &OIDCUpstream{Issuer: "https://issuer.example.com", ClientID: "up"}

	fake := &fakeAdapter{dispatchURL: "https://idp.example.com/sso"}
	app := newTestApp(t, fake, a, b)

	params := map[string]string{
		"tenant":        "acme",
		"product":       "crm",
		"redirect_uri":  "https://app.example.com/cb",
		"response_type": "code",
		"state":         "keep-me",
	}
	rec := doRequest(app, http.MethodGet, authorizeURL(params), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Acme SAML") || !strings.Contains(body, "Acme OIDC") {
		t.Fatal("selector is missing connection names")
	}
	if !strings.Contains(body, `name="state" value="keep-me"`) {
		t.Fatal("selector dropped original parameters")
	}

	// Chooser submit re-enters /authorize with connection_id.
	params["connection_id"] = "conn-oidc"
	rec = doRequest(app, http.MethodGet, authorizeURL(params), nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status after selection = %d, want 302", rec.Code)
	}
	if got := fake.lastDispatched(t); got.ConnectionID != "conn-oidc" {
		t.Fatalf("dispatched connection = %s", got.ConnectionID)
	}
}

func TestAuthorizeSelectorRejectsForeignConnection(t *testing.T) {
	a := testConnection()
	b := testConnection()
	b.ID = "conn-2"
	b.ClientID = "acme-crm-2"
	other := testConnection()
	other.ID = "other-tenant-conn"
	other.Tenant = "globex"
	other.ClientID = "globex-crm"

	app := newTestApp(t, &fakeAdapter{}, a, b, other)

	rec := doRequest(app, http.MethodGet, authorizeURL(map[string]string{
		"tenant":        "acme",
		"product":       "crm",
		"connection_id": "other-tenant-conn",
		"redirect_uri":  "https://app.example.com/cb",
		"response_type": "code",
	}), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestNoConnectionConfigured(t *testing.T) {
	app := newTestApp(t, &fakeAdapter{})
	rec := doRequest(app, http.MethodGet, authorizeURL(map[string]string{
		"tenant":        "ghost",
		"product":       "crm",
		"redirect_uri":  "https://app.example.com/cb",
		"response_type": "code",
	}), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no SSO connection configured") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

// startLogin runs /authorize and returns the dispatched request context.
func startLogin(t *testing.T, app *App, fake *fakeAdapter, verifierChallenge string) AuthRequest {
	t.Helper()
	params := map[string]string{
		"client_id":     "acme-crm",
		"redirect_uri":  "https://app.example.com/cb",
		"response_type": "code",
		"state":         "app-state",
	}
	if verifierChallenge != "" {
		params["code_challenge"] = verifierChallenge
		params["code_challenge_method"] = PKCEMethodS256
	}
	rec := doRequest(app, http.MethodGet, authorizeURL(params), nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d", rec.Code)
	}
	return fake.lastDispatched(t)
}

func completeACS(app *App, requestID string) *httptest.ResponseRecorder {
	return doRequest(app, http.MethodPost, "/saml/acs", url.Values{
		"SAMLResponse": {"ZmFrZQ=="},
		"RelayState":   {requestID},
	})
}

func TestFullLoginAndExchange(t *testing.T) {
	fake := &fakeAdapter{
		dispatchURL: "https://idp.example.com/sso",
		claims:      IdentityClaims{"sub": "user-1", "email": "u@example.com"},
	}
	app := newTestApp(t, fake)

	authReq := startLogin(t, app, fake, "")

	rec := completeACS(app, authReq.ID)
	if rec.Code != http.StatusFound {
		t.Fatalf("acs status = %d, body %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Host != "app.example.com" {
		t.Fatalf("redirected to %s", loc.Host)
	}
	code := loc.Query().Get("code")
	if code == "" || loc.Query().Get("state") != "app-state" {
		t.Fatalf("query = %s", loc.RawQuery)
	}

	// Replaying the assertion must fail: the request context is consumed.
	if rec := completeACS(app, authReq.ID); rec.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want 400", rec.Code)
	}

	rec = doRequest(app, http.MethodPost, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/cb"},
		"client_id":     {"acme-crm"},
		"client_secret": {"shhh"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}
	var tokens TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	if tokens.AccessToken == "" || tokens.IDToken == "" || tokens.TokenType != "Bearer" {
		t.Fatalf("token response = %+v", tokens)
	}

	// Code reuse is invalid_grant.
	rec = doRequest(app, http.MethodPost, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/cb"},
		"client_id":     {"acme-crm"},
		"client_secret": {"shhh"},
	})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), ErrInvalidGrant) {
		t.Fatalf("reuse status = %d, body %s", rec.Code, rec.Body.String())
	}

	// The access token works at /userinfo.
	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	urec := httptest.NewRecorder()
	app.Routes().ServeHTTP(urec, req)
	if urec.Code != http.StatusOK {
		t.Fatalf("userinfo status = %d", urec.Code)
	}
	var claims map[string]any
	if err := json.Unmarshal(urec.Body.Bytes(), &claims); err != nil {
		t.Fatalf("decode userinfo: %v", err)
	}
	if claims["sub"] != "user-1" || claims["email"] != "u@example.com" {
		t.Fatalf("userinfo claims = %+v", claims)
	}
}

func TestUpstreamFailureRedirectsAccessDenied(t *testing.T) {
	fake := &fakeAdapter{
		dispatchURL: "https://idp.example.com/sso",
		parseErr:    NewFlowError(ErrAccessDenied, "bad assertion"),
	}
	app := newTestApp(t, fake)
	authReq := startLogin(t, app, fake, "")

	rec := completeACS(app, authReq.ID)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("error") != ErrAccessDenied {
		t.Fatalf("error = %s", loc.Query().Get("error"))
	}
	// Detail stays in the logs, not the redirect.
	if desc := loc.Query().Get("error_description"); strings.Contains(desc, "bad assertion") {
		t.Fatalf("upstream detail leaked: %s", desc)
	}
}

func TestCallbackUnknownRequestID(t *testing.T) {
	app := newTestApp(t, &fakeAdapter{})
	rec := doRequest(app, http.MethodGet, "/oidc/callback?state=never-seen&code=x", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTokenClientAuthentication(t *testing.T) {
	fake := &fakeAdapter{dispatchURL: "https://idp.example.com/sso", claims: IdentityClaims{"sub": "u"}}
	app := newTestApp(t, fake)

	authReq := startLogin(t, app, fake, "")
	rec := completeACS(app, authReq.ID)
	loc, _ := url.Parse(rec.Header().Get("Location"))
	code := loc.Query().Get("code")

	rec = doRequest(app, http.MethodPost, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/cb"},
		"client_id":     {"acme-crm"},
		"client_secret": {"wrong"},
	})
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), ErrInvalidClient) {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// A failed authentication never consumed the code.
	rec = doRequest(app, http.MethodPost, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/cb"},
		"client_id":     {"acme-crm"},
		"client_secret": {"shhh"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("honest retry status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestTokenRedirectURIMismatch(t *testing.T) {
	fake := &fakeAdapter{dispatchURL: "https://idp.example.com/sso", claims: IdentityClaims{"sub": "u"}}
	app := newTestApp(t, fake)

	authReq := startLogin(t, app, fake, "")
	rec := completeACS(app, authReq.ID)
	loc, _ := url.Parse(rec.Header().Get("Location"))

	rec = doRequest(app, http.MethodPost, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {loc.Query().Get("code")},
		"redirect_uri":  {"https://app.example.com/other"},
		"client_id":     {"acme-crm"},
		"client_secret": {"shhh"},
	})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), ErrInvalidGrant) {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestTokenPKCEVerification(t *testing.T) {
	verifier := "correct-horse-battery-staple-correct-horse"
	fake := &fakeAdapter{dispatchURL: "https://idp.example.com/sso", claims: IdentityClaims{"sub": "u"}}
	app := newTestApp(t, fake)

	authReq := startLogin(t, app, fake, PKCEChallengeS256(verifier))
	rec := completeACS(app, authReq.ID)
	loc, _ := url.Parse(rec.Header().Get("Location"))
	code := loc.Query().Get("code")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/cb"},
		"client_id":     {"acme-crm"},
		"client_secret": {"shhh"},
		"code_verifier": {"wrong-verifier-wrong-verifier-wrong-verif"},
	}
	rec = doRequest(app, http.MethodPost, "/token", form)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), ErrInvalidGrant) {
		t.Fatalf("wrong verifier: status = %d, body %s", rec.Code, rec.Body.String())
	}

	// The failed attempt consumed the code; run a fresh login to show the
	// right verifier passes.
	authReq = startLogin(t, app, fake, PKCEChallengeS256(verifier))
	rec = completeACS(app, authReq.ID)
	loc, _ = url.Parse(rec.Header().Get("Location"))
	form.Set("code", loc.Query().Get("code"))
	form.Set("code_verifier", verifier)
	rec = doRequest(app, http.MethodPost, "/token", form)
	if rec.Code != http.StatusOK {
		t.Fatalf("right verifier: status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestTokenConcurrentExchangeSingleWinner(t *testing.T) {
	fake := &fakeAdapter{dispatchURL: "https://idp.example.com/sso", claims: IdentityClaims{"sub": "u"}}
	app := newTestApp(t, fake)

	authReq := startLogin(t, app, fake, "")
	rec := completeACS(app, authReq.ID)
	loc, _ := url.Parse(rec.Header().Get("Location"))
	code := loc.Query().Get("code")

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	handler := app.Routes()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			form := url.Values{
				"grant_type":    {"authorization_code"},
				"code":          {code},
				"redirect_uri":  {"https://app.example.com/cb"},
				"client_id":     {"acme-crm"},
				"client_secret": {"shhh"},
			}
			req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code == http.StatusOK {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins.Load())
	}
}

func TestUserInfoAlwaysBare401(t *testing.T) {
	app := newTestApp(t, &fakeAdapter{})

	for name, header := range map[string]string{
		"no token":      "",
		"garbage":       "Bearer not-a-jwt",
		"wrong scheme":  "Basic dXNlcjpwYXNz",
		"unknown token": "Bearer eyJhbGciOiJSUzI1NiJ9.e30.sig",
	} {
		req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		app.Routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want 401", name, rec.Code)
		}
		if strings.TrimSpace(rec.Body.String()) != "" {
			t.Fatalf("%s: body leaked detail: %s", name, rec.Body.String())
		}
	}
}

func TestIDPInitiatedLogin(t *testing.T) {
	fake := &fakeAdapter{dispatchURL: "https://idp.example.com/sso"}
	app := newTestApp(t, fake)

	rec := doRequest(app, http.MethodGet, "/oidc/idp-initiated-login?connection_id=conn-saml", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	dispatched := fake.lastDispatched(t)
	if !dispatched.IdPInitiated {
		t.Fatal("request not marked idp-initiated")
	}
	if dispatched.RedirectURI != "https://app.example.com/cb" {
		t.Fatalf("redirect = %s, want connection default", dispatched.RedirectURI)
	}
}

func TestDispatchErrorKeepsFlowErrorCode(t *testing.T) {
	fake := &fakeAdapter{dispatchErr: NewFlowError(ErrInvalidRequest, "connection misconfigured")}
	app := newTestApp(t, fake)

	rec := doRequest(app, http.MethodGet, authorizeURL(map[string]string{
		"client_id":     "acme-crm",
		"redirect_uri":  "https://app.example.com/cb",
		"response_type": "code",
	}), nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("error") != ErrInvalidRequest {
		t.Fatalf("error = %s", loc.Query().Get("error"))
	}

	// Arbitrary errors collapse to server_error with no detail.
	fake.dispatchErr = context.DeadlineExceeded
	rec = doRequest(app, http.MethodGet, authorizeURL(map[string]string{
		"client_id":     "acme-crm",
		"redirect_uri":  "https://app.example.com/cb",
		"response_type": "code",
	}), nil)
	loc, _ = url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("error") != ErrServerError || loc.Query().Get("error_description") != "" {
		t.Fatalf("query = %s", loc.RawQuery)
	}
}

func TestIDPInitiatedPublicClientExchange(t *testing.T) {
	conn := testConnection()
	conn.ClientSecret = ""
	fake := &fakeAdapter{dispatchURL: "https://idp.example.com/sso", claims: IdentityClaims{"sub": "u"}}
	app := newTestApp(t, fake, conn)

	rec := doRequest(app, http.MethodGet, "/oidc/idp-initiated-login?connection_id=conn-saml", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	authReq := fake.lastDispatched(t)

	rec = completeACS(app, authReq.ID)
	if rec.Code != http.StatusFound {
		t.Fatalf("acs status = %d", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))

	// No downstream request existed, so there is no PKCE challenge; the
	// exchange must still succeed for a public client.
	rec = doRequest(app, http.MethodPost, "/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {loc.Query().Get("code")},
		"redirect_uri": {"https://app.example.com/cb"},
		"client_id":    {"acme-crm"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("exchange status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestIDPInitiatedRequiresDefaultRedirect(t *testing.T) {
	conn := testConnection()
	conn.DefaultRedirectURL = ""
	app := newTestApp(t, &fakeAdapter{}, conn)

	rec := doRequest(app, http.MethodGet, "/oidc/idp-initiated-login?connection_id=conn-saml", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDiscoveryDocument(t *testing.T) {
	app := newTestApp(t, &fakeAdapter{})
	rec := doRequest(app, http.MethodGet, "/.well-known/openid-configuration", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["issuer"] != "https://broker.example.com" {
		t.Fatalf("issuer = %v", doc["issuer"])
	}
	if doc["authorization_endpoint"] != "https://broker.example.com/authorize" {
		t.Fatalf("authorization_endpoint = %v", doc["authorization_endpoint"])
	}
}

func TestJWKSEndpointServesPublicKeys(t *testing.T) {
	app := newTestApp(t, &fakeAdapter{})
	rec := doRequest(app, http.MethodGet, "/.well-known/jwks.json", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(set.Keys) == 0 {
		t.Fatal("no keys published")
	}
	for _, k := range set.Keys {
		if _, private := k["d"]; private {
			t.Fatal("private key material published")
		}
	}
}

func TestLogoutFlow(t *testing.T) {
	fake := &fakeAdapter{logoutURL: "https://idp.example.com/slo?SAMLRequest=abc"}
	app := newTestApp(t, fake)

	rec := doRequest(app, http.MethodGet, "/logout?connection_id=conn-saml&redirect_url=https://app.example.com/bye", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("logout status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != fake.logoutURL {
		t.Fatalf("location = %s", loc)
	}

	// Find the stored correlation by completing the round trip.
	var logoutID string
	ms := app.Store.(*MemoryStore)
	ms.mu.Lock()
	for id := range ms.logouts {
		logoutID = id
	}
	ms.mu.Unlock()
	if logoutID == "" {
		t.Fatal("logout correlation not stored")
	}

	rec = doRequest(app, http.MethodPost, "/saml/slo", url.Values{"RelayState": {logoutID}})
	if rec.Code != http.StatusFound {
		t.Fatalf("slo status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://app.example.com/bye" {
		t.Fatalf("final redirect = %s", loc)
	}

	// Consumed: the same correlation cannot be replayed.
	rec = doRequest(app, http.MethodPost, "/saml/slo", url.Values{"RelayState": {logoutID}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want 400", rec.Code)
	}
}

func TestLogoutResolvesByTenantAndCarriesNameID(t *testing.T) {
	fake := &fakeAdapter{logoutURL: "https://idp.example.com/slo?SAMLRequest=abc"}
	app := newTestApp(t, fake)

	rec := doRequest(app, http.MethodGet,
		"/logout?nameId=user-1&tenant=acme&product=crm&redirectUrl=https://app.example.com/cb", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != fake.logoutURL {
		t.Fatalf("location = %s", loc)
	}

	fake.mu.Lock()
	logoutReq := fake.lastLogout
	fake.mu.Unlock()
	if logoutReq.NameID != "user-1" {
		t.Fatalf("name id = %q, want user-1", logoutReq.NameID)
	}
	if logoutReq.ConnectionID != "conn-saml" {
		t.Fatalf("connection = %s", logoutReq.ConnectionID)
	}
	if logoutReq.RedirectURL != "https://app.example.com/cb" {
		t.Fatalf("redirect = %s", logoutReq.RedirectURL)
	}
}

func TestLogoutAmbiguousTenantRendersChooser(t *testing.T) {
	a := testConnection()
	b := testConnection()
	b.ID = "conn-2"
	b.ClientID = "acme-crm-2"
	b.DisplayName = "Acme Backup IdP"

	fake := &fakeAdapter{logoutURL: "https://idp.example.com/slo"}
	app := newTestApp(t, fake, a, b)

	rec := doRequest(app, http.MethodGet, "/logout?nameId=user-1&tenant=acme&product=crm", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want chooser", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `action="/logout"`) {
		t.Fatal("chooser does not re-enter /logout")
	}
	if !strings.Contains(body, `name="nameId" value="user-1"`) {
		t.Fatal("chooser dropped nameId")
	}
	if !strings.Contains(body, "Acme Backup IdP") {
		t.Fatal("chooser is missing connection names")
	}

	// Chooser submit carries connection_id.
	rec = doRequest(app, http.MethodGet, "/logout?nameId=user-1&tenant=acme&product=crm&connection_id=conn-2", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status after selection = %d", rec.Code)
	}
	fake.mu.Lock()
	got := fake.lastLogout.ConnectionID
	fake.mu.Unlock()
	if got != "conn-2" {
		t.Fatalf("logout connection = %s", got)
	}
}

func TestLogoutWithoutUpstreamRedirectsDirectly(t *testing.T) {
	fake := &fakeAdapter{logoutURL: ""}
	app := newTestApp(t, fake)

	rec := doRequest(app, http.MethodGet, "/logout?connection_id=conn-saml", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://app.example.com/cb" {
		t.Fatalf("location = %s, want connection default", loc)
	}
}

func TestLogoutRejectsUnlistedRedirect(t *testing.T) {
	fake := &fakeAdapter{logoutURL: ""}
	app := newTestApp(t, fake)

	rec := doRequest(app, http.MethodGet, "/logout?connection_id=conn-saml&redirect_url=https://evil.example.com/", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://app.example.com/cb" {
		t.Fatalf("location = %s, evil target must fall back to default", loc)
	}
}

func TestErrorPageReadsSignedCookie(t *testing.T) {
	app := newTestApp(t, &fakeAdapter{})

	signed, err := SignErrorCookie(app.cookieSecret, NewFlowError(ErrAccessDenied, "upstream said no"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/error", nil)
	req.AddCookie(&http.Cookie{Name: errorCookieName, Value: signed})
	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), ErrAccessDenied) || !strings.Contains(rec.Body.String(), "upstream said no") {
		t.Fatalf("body = %s", rec.Body.String())
	}

	// A tampered cookie falls back to a generic error.
	req = httptest.NewRequest(http.MethodGet, "/error", nil)
	req.AddCookie(&http.Cookie{Name: errorCookieName, Value: signed + "x"})
	rec = httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), ErrServerError) {
		t.Fatalf("tampered cookie body = %s", rec.Body.String())
	}
}

func TestExpiredAuthRequestIndistinguishableFromMissing(t *testing.T) {
	fake := &fakeAdapter{dispatchURL: "https://idp.example.com/sso", claims: IdentityClaims{"sub": "u"}}
	app := newTestApp(t, fake)

	// Store one expired request directly.
	expired := AuthRequest{ID: "expired-id", ConnectionID: "conn-saml", ExpiresAt: time.Now().Add(-time.Second)}
	if err := app.Store.SaveAuthRequest(context.Background(), expired); err != nil {
		t.Fatalf("save: %v", err)
	}

	recExpired := completeACS(app, "expired-id")
	recMissing := completeACS(app, "missing-id")
	if recExpired.Code != recMissing.Code {
		t.Fatalf("status differs: expired=%d missing=%d", recExpired.Code, recMissing.Code)
	}
	if recExpired.Body.String() != recMissing.Body.String() {
		t.Fatal("response bodies differ between expired and missing")
	}
}
