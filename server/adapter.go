package server

import "context"

// UpstreamResponse carries the raw material a protocol adapter needs to
// verify an upstream response: the SAML form fields or the OIDC callback
// query, depending on the connection's protocol.
type UpstreamResponse struct {
	// SAMLResponse is the base64 SAMLResponse form value, untouched.
	SAMLResponse string
	// Code is the authorization code from an OIDC callback.
	Code string
	// Error and ErrorDescription surface an upstream OIDC error callback.
	Error            string
	ErrorDescription string
}

// UpstreamAdapter hides protocol specifics behind a uniform pair of
// operations. Handlers never construct AuthnRequests or verify assertions
// themselves; they hand the work to the adapter registered for the
// connection's protocol.
type UpstreamAdapter interface {
	// Dispatch builds whatever gets the user agent to the upstream IdP,
	// binding the request context ID into the round trip (RelayState for
	// SAML, state for OIDC).
	Dispatch(ctx context.Context, conn *Connection, req AuthRequest) (UpstreamRedirect, error)

	// ParseResponse verifies the upstream response against the connection
	// and the originating request, returning the identity it asserts.
	ParseResponse(ctx context.Context, conn *Connection, req AuthRequest, resp UpstreamResponse) (IdentityClaims, error)

	// LogoutRedirect builds the upstream single-logout redirect for the
	// session identified by the logout request, or "" if the upstream has
	// no logout endpoint configured.
	LogoutRedirect(ctx context.Context, conn *Connection, req LogoutRequest) (string, error)
}
