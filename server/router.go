package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all broker endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware)
	}

	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/jwks.json", a.handleJWKS)
	r.Get("/jwks.json", a.handleJWKS)

	r.Get("/authorize", a.handleAuthorize)
	r.Post("/saml/acs", a.handleSAMLACS)
	r.Get("/oidc/callback", a.handleOIDCCallback)
	r.Get("/oidc/idp-initiated-login", a.handleIDPInitiated)
	r.Post("/oidc/idp-initiated-login", a.handleIDPInitiated)

	r.Post("/token", a.handleToken)
	r.Get("/userinfo", a.handleUserInfo)

	r.Get("/logout", a.handleLogout)
	r.Post("/saml/slo", a.handleSAMLSLO)
	r.Get("/error", a.handleError)

	return r
}
