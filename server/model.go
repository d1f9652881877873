package server

import "time"

// Protocol identifies which federation protocol an upstream connection speaks.
type Protocol string

const (
	ProtocolSAML Protocol = "saml"
	ProtocolOIDC Protocol = "oidc"
)

// AuthRequestStatus tracks where an in-flight login sits in its lifecycle.
// A request only moves forward; consumption or expiry is terminal.
type AuthRequestStatus string

const (
	StatusCreated    AuthRequestStatus = "created"
	StatusDispatched AuthRequestStatus = "dispatched"
)

// AuthRequest is one in-flight login attempt. It is created at /authorize
// after the redirect URI has been validated, carried to the upstream IdP by
// its ID (SAML RelayState / OIDC state), and consumed exactly once when the
// upstream response arrives.
type AuthRequest struct {
	ID                  string
	Tenant              string
	Product             string
	ConnectionID        string
	ClientID            string
	RedirectURI         string
	State               string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	Status              AuthRequestStatus
	IdPInitiated        bool
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// IdentityClaims holds the subject and attributes extracted from an upstream
// assertion or id-token. "sub" is always present after a successful parse.
type IdentityClaims map[string]any

// Subject returns the subject identifier, or "" if absent.
func (c IdentityClaims) Subject() string {
	if s, ok := c["sub"].(string); ok {
		return s
	}
	return ""
}

// AuthorizationCode bridges a parsed upstream identity to the /token
// exchange. Single use: the store hands it out at most once.
type AuthorizationCode struct {
	Code                string
	RequestID           string
	ConnectionID        string
	ClientID            string
	RedirectURI         string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	IdPInitiated        bool
	Claims              IdentityClaims
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// LogoutRequest correlates an SP-initiated logout with the IdP's eventual
// response, mirroring the AuthRequest pattern.
type LogoutRequest struct {
	ID           string
	ConnectionID string
	NameID       string
	RedirectURL  string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// TokenResponse matches the OAuth token endpoint payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// UpstreamRedirect is what a protocol adapter produces for the user agent:
// either a URL to redirect to, or a self-submitting HTML form (SAML POST
// binding).
type UpstreamRedirect struct {
	URL      string
	FormHTML []byte
}
