package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

// Connection is one configured upstream identity source for a (tenant,
// product) namespace. The broker only reads these; provisioning is an
// administrative concern outside this process.
type Connection struct {
	ID                 string
	Tenant             string
	Product            string
	DisplayName        string
	ClientID           string
	ClientSecret       string
	Protocol           Protocol
	RedirectURLs       []string
	DefaultRedirectURL string
	Deactivated        bool

	SAML *SAMLUpstream
	OIDC *OIDCUpstream
}

// SAMLUpstream describes the upstream SAML IdP for a connection. The broker
// core treats it as opaque; only the SAML adapter reads it.
type SAMLUpstream struct {
	EntityID       string
	SSOURL         string
	SLOURL         string
	CertificatePEM string
	SPKeyPEM       string
	SPCertPEM      string
	SignRequests   bool
	PostBinding    bool
	NameIDFormat   string
}

// OIDCUpstream describes the upstream OIDC provider for a connection.
type OIDCUpstream struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// SecretMatches compares a presented client secret in constant time.
func (c *Connection) SecretMatches(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(c.ClientSecret), []byte(secret)) == 1
}

// Public reports whether the connection's downstream client has no secret
// and must therefore use PKCE.
func (c *Connection) Public() bool {
	return c.ClientSecret == ""
}

// ValidRedirect reports whether uri may be used as a redirect target for
// this connection. The default redirect URL is always an allowed target.
func (c *Connection) ValidRedirect(uri string) bool {
	allowed := c.RedirectURLs
	if c.DefaultRedirectURL != "" {
		allowed = append(append([]string{}, allowed...), c.DefaultRedirectURL)
	}
	return RedirectAllowed(uri, allowed)
}

// ConnectionRegistry resolves connections for a login attempt. The broker
// never writes through this interface.
type ConnectionRegistry interface {
	ResolveByID(id string) (*Connection, bool)
	ResolveByClientID(clientID string) (*Connection, bool)
	// ResolveByTenantProduct returns all active connections for the pair,
	// excluding deactivated ones.
	ResolveByTenantProduct(tenant, product string) []*Connection
}

// ConfigRegistry is a ConnectionRegistry backed by the static connection
// list loaded from configuration.
type ConfigRegistry struct {
	byID            map[string]*Connection
	byClientID      map[string]*Connection
	byTenantProduct map[string][]*Connection
}

// NewConfigRegistry indexes the configured connections. IDs and client IDs
// must be unique: resolution by client_id is unambiguous by construction.
func NewConfigRegistry(conns []*Connection) (*ConfigRegistry, error) {
	reg := &ConfigRegistry{
		byID:            make(map[string]*Connection, len(conns)),
		byClientID:      make(map[string]*Connection, len(conns)),
		byTenantProduct: make(map[string][]*Connection),
	}
	for _, conn := range conns {
		if conn.ID == "" {
			return nil, errors.New("connection id required")
		}
		if _, dup := reg.byID[conn.ID]; dup {
			return nil, fmt.Errorf("duplicate connection id %q", conn.ID)
		}
		if conn.ClientID == "" {
			return nil, errors.New("connection client_id required")
		}
		if _, dup := reg.byClientID[conn.ClientID]; dup {
			return nil, fmt.Errorf("duplicate connection client_id %q", conn.ClientID)
		}
		switch conn.Protocol {
		case ProtocolSAML:
			if conn.SAML == nil {
				return nil, fmt.Errorf("connection %q: saml settings required", conn.ClientID)
			}
		case ProtocolOIDC:
			if conn.OIDC == nil {
				return nil, fmt.Errorf("connection %q: oidc settings required", conn.ClientID)
			}
		default:
			return nil, fmt.Errorf("connection %q: unknown protocol %q", conn.ClientID, conn.Protocol)
		}
		reg.byID[conn.ID] = conn
		reg.byClientID[conn.ClientID] = conn
		key := tenantProductKey(conn.Tenant, conn.Product)
		reg.byTenantProduct[key] = append(reg.byTenantProduct[key], conn)
	}
	return reg, nil
}

// ResolveByID returns the connection with the given registry ID.
// Deactivated connections do not resolve.
func (r *ConfigRegistry) ResolveByID(id string) (*Connection, bool) {
	conn, ok := r.byID[id]
	if !ok || conn.Deactivated {
		return nil, false
	}
	return conn, true
}

// ResolveByClientID returns the connection registered for clientID.
// Deactivated connections do not resolve.
func (r *ConfigRegistry) ResolveByClientID(clientID string) (*Connection, bool) {
	conn, ok := r.byClientID[clientID]
	if !ok || conn.Deactivated {
		return nil, false
	}
	return conn, true
}

// ResolveByTenantProduct returns every active connection for the pair.
func (r *ConfigRegistry) ResolveByTenantProduct(tenant, product string) []*Connection {
	var out []*Connection
	for _, conn := range r.byTenantProduct[tenantProductKey(tenant, product)] {
		if conn.Deactivated {
			continue
		}
		out = append(out, conn)
	}
	return out
}

func tenantProductKey(tenant, product string) string {
	return tenant + "\x00" + product
}
