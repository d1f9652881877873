package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// handleLogout starts SP-initiated single logout: nameId, tenant, product,
// and an optional redirectUrl name the session to end. The connection can
// also be addressed directly by connection_id or client_id. The final
// landing page is the validated redirectUrl, falling back to the
// connection's default.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	conn, done := a.resolveLogoutConnection(w, q)
	if done {
		return
	}

	target := conn.DefaultRedirectURL
	if ru := logoutRedirectParam(q); ru != "" && conn.ValidRedirect(ru) {
		target = ru
	}
	if target == "" {
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "no redirect target for logout"))
		return
	}

	nameID := q.Get("nameId")
	if nameID == "" {
		nameID = a.subjectFromIDTokenHint(q.Get("id_token_hint"))
	}

	now := time.Now()
	logoutReq := LogoutRequest{
		ID:           NewRequestID(),
		ConnectionID: conn.ID,
		NameID:       nameID,
		RedirectURL:  target,
		CreatedAt:    now,
		ExpiresAt:    now.Add(a.Config.Flows.LogoutTTL.Std()),
	}

	upstream, err := a.Adapters[conn.Protocol].LogoutRedirect(r.Context(), conn, logoutReq)
	if err != nil {
		a.Logger.Warn("upstream logout unavailable", "connection", conn.ID, "error", err)
		upstream = ""
	}
	if upstream == "" {
		// Nothing to coordinate upstream. Logout is local only.
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	if err := a.Store.SaveLogoutRequest(r.Context(), logoutReq); err != nil {
		a.Logger.Error("save logout request", "error", err)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	http.Redirect(w, r, upstream, http.StatusFound)
}

// resolveLogoutConnection picks the connection whose upstream session is
// being ended, mirroring the /authorize resolution order: connection_id,
// then client_id, then tenant+product with the chooser on ambiguity. The
// bool reports whether the response has already been written.
func (a *App) resolveLogoutConnection(w http.ResponseWriter, q url.Values) (*Connection, bool) {
	if id := q.Get("connection_id"); id != "" {
		conn, ok := a.Registry.ResolveByID(id)
		if !ok {
			a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "unknown connection"))
			return nil, true
		}
		return conn, false
	}
	if cid := q.Get("client_id"); cid != "" {
		conn, ok := a.Registry.ResolveByClientID(cid)
		if !ok {
			a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "unknown connection"))
			return nil, true
		}
		return conn, false
	}

	tenant := q.Get("tenant")
	if tenant == "" {
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "connection_id, client_id, or tenant is required"))
		return nil, true
	}
	product := q.Get("product")
	conns := a.Registry.ResolveByTenantProduct(tenant, product)
	switch len(conns) {
	case 0:
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "no SSO connection configured"))
		return nil, true
	case 1:
		return conns[0], false
	}

	// Ambiguous. Same chooser as /authorize, re-entering /logout.
	params := map[string]string{}
	for _, k := range []string{"nameId", "tenant", "product", "redirectUrl", "redirect_url", "id_token_hint"} {
		if v := q.Get(k); v != "" {
			params[k] = v
		}
	}
	data := selectorData{
		Action:  "/logout",
		Heading: "Sign out of " + product,
		Tenant:  tenant,
		Product: product,
		Params:  params,
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

// logoutRedirectParam reads the requested landing page. redirectUrl is the
// documented spelling; redirect_url is accepted for symmetry with the other
// query parameters.
func logoutRedirectParam(q url.Values) string {
	if ru := q.Get("redirectUrl"); ru != "" {
		return ru
	}
	return q.Get("redirect_url")
}

// handleSAMLSLO receives the IdP's LogoutResponse. The correlation in
// RelayState must resolve to a live logout request; otherwise the user gets
// the error page rather than an attacker-chosen redirect.
func (a *App) handleSAMLSLO(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "invalid form"))
		return
	}

	logoutReq, ok := a.Store.ConsumeLogoutRequest(r.Context(), r.FormValue("RelayState"))
	if !ok {
		a.renderInlineError(w, NewFlowError(ErrInvalidRequest, "logout attempt is unknown or has expired"))
		return
	}

	if encoded := r.FormValue("SAMLResponse"); encoded != "" {
		if success, err := ParseSAMLLogoutResponse(encoded); err != nil || !success {
			a.Logger.Warn("upstream logout did not succeed", "connection", logoutReq.ConnectionID, "error", err)
		}
	}

	// The stored target was validated when the logout began.
	http.Redirect(w, r, logoutReq.RedirectURL, http.StatusFound)
}

// subjectFromIDTokenHint extracts the subject from a broker-issued id token
// so the upstream LogoutRequest can name the session. Best effort: a missing
// or invalid hint just means an anonymous logout.
func (a *App) subjectFromIDTokenHint(hint string) string {
	if hint == "" {
		return ""
	}
	tok, err := jwt.Parse(hint, a.JWKS.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	)
	if err != nil {
		return ""
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}
