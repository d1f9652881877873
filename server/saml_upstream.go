package server

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"
)

// SAMLAdapter drives upstream SAML 2.0 IdPs. Service providers are built
// per connection and cached; building one parses certificates and is not
// free.
type SAMLAdapter struct {
	// acsURL is the broker's external assertion consumer service endpoint.
	acsURL string
	// sloURL is the broker's external single-logout endpoint.
	sloURL string
	// entityID identifies the broker as a SAML service provider.
	entityID string

	mu  sync.Mutex
	sps map[string]*saml2.SAMLServiceProvider
}

// NewSAMLAdapter builds an adapter for a broker reachable at the given
// external endpoints.
func NewSAMLAdapter(entityID, acsURL, sloURL string) *SAMLAdapter {
	return &SAMLAdapter{
		entityID: entityID,
		acsURL:   acsURL,
		sloURL:   sloURL,
		sps:      make(map[string]*saml2.SAMLServiceProvider),
	}
}

func (a *SAMLAdapter) serviceProvider(conn *Connection) (*saml2.SAMLServiceProvider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sp, ok := a.sps[conn.ID]; ok {
		return sp, nil
	}

	certStore, err := parseIdPCertificates(conn.SAML.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", conn.ID, err)
	}

	var keyStore dsig.X509KeyStore
	if conn.SAML.SPKeyPEM != "" && conn.SAML.SPCertPEM != "" {
		keyPair, err := tls.X509KeyPair([]byte(conn.SAML.SPCertPEM), []byte(conn.SAML.SPKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("connection %s: sp keypair: %w", conn.ID, err)
		}
		keyStore = dsig.TLSCertKeyStore(keyPair)
	} else {
		keyStore = dsig.RandomKeyStoreForTest()
	}

	nameIDFormat := conn.SAML.NameIDFormat
	if nameIDFormat == "" {
		nameIDFormat = "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent"
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      conn.SAML.SSOURL,
		IdentityProviderIssuer:      conn.SAML.EntityID,
		ServiceProviderIssuer:       a.entityID,
		AssertionConsumerServiceURL: a.acsURL,
		SignAuthnRequests:           conn.SAML.SignRequests,
		AudienceURI:                 a.entityID,
		IDPCertificateStore:         certStore,
		SPKeyStore:                  keyStore,
		NameIdFormat:                nameIDFormat,
	}
	a.sps[conn.ID] = sp
	return sp, nil
}

func parseIdPCertificates(certPEM string) (*dsig.MemoryX509CertificateStore, error) {
	store := &dsig.MemoryX509CertificateStore{}
	rest := []byte(certPEM)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse idp certificate: %w", err)
		}
		store.Roots = append(store.Roots, cert)
	}
	if len(store.Roots) == 0 {
		return nil, errors.New("no idp certificate in pem")
	}
	return store, nil
}

// Dispatch builds the AuthnRequest round trip with the request ID as
// RelayState. POST binding connections get a self-submitting form; the rest
// get a redirect URL.
func (a *SAMLAdapter) Dispatch(_ context.Context, conn *Connection, req AuthRequest) (UpstreamRedirect, error) {
	sp, err := a.serviceProvider(conn)
	if err != nil {
		return UpstreamRedirect{}, err
	}
	if conn.SAML.PostBinding {
		body, err := sp.BuildAuthBodyPost(req.ID)
		if err != nil {
			return UpstreamRedirect{}, fmt.Errorf("build authn post: %w", err)
		}
		return UpstreamRedirect{FormHTML: body}, nil
	}
	authURL, err := sp.BuildAuthURL(req.ID)
	if err != nil {
		return UpstreamRedirect{}, fmt.Errorf("build authn url: %w", err)
	}
	return UpstreamRedirect{URL: authURL}, nil
}

// ParseResponse validates the SAMLResponse signature and conditions and maps
// the assertion to claims. The raw base64 form value goes straight to the
// library, which handles its own decoding.
func (a *SAMLAdapter) ParseResponse(_ context.Context, conn *Connection, req AuthRequest, resp UpstreamResponse) (IdentityClaims, error) {
	if resp.SAMLResponse == "" {
		return nil, errors.New("missing SAMLResponse")
	}
	sp, err := a.serviceProvider(conn)
	if err != nil {
		return nil, err
	}
	info, err := sp.RetrieveAssertionInfo(resp.SAMLResponse)
	if err != nil {
		return nil, fmt.Errorf("validate assertion: %w", err)
	}
	if info.WarningInfo.InvalidTime {
		return nil, errors.New("assertion outside validity window")
	}
	if info.WarningInfo.NotInAudience {
		return nil, errors.New("assertion audience mismatch")
	}
	if info.NameID == "" {
		return nil, errors.New("assertion has no NameID")
	}

	claims := IdentityClaims{"sub": info.NameID}
	if info.SessionIndex != "" {
		claims["session_index"] = info.SessionIndex
	}
	for name, attr := range info.Values {
		switch len(attr.Values) {
		case 0:
		case 1:
			claims[name] = attr.Values[0].Value
		default:
			vals := make([]string, 0, len(attr.Values))
			for _, v := range attr.Values {
				vals = append(vals, v.Value)
			}
			claims[name] = vals
		}
	}
	return claims, nil
}

// LogoutRedirect builds a redirect-binding LogoutRequest for the session's
// NameID, or "" if the connection has no SLO endpoint.
func (a *SAMLAdapter) LogoutRedirect(_ context.Context, conn *Connection, req LogoutRequest) (string, error) {
	if conn.SAML.SLOURL == "" {
		return "", nil
	}
	doc := fmt.Sprintf(
		`<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="_%s" Version="2.0" IssueInstant="%s" Destination="%s"><saml:Issuer>%s</saml:Issuer><saml:NameID>%s</saml:NameID></samlp:LogoutRequest>`,
		req.ID,
		time.Now().UTC().Format(time.RFC3339),
		xmlEscape(conn.SAML.SLOURL),
		xmlEscape(a.entityID),
		xmlEscape(req.NameID),
	)

	encoded, err := deflateBase64([]byte(doc))
	if err != nil {
		return "", fmt.Errorf("encode logout request: %w", err)
	}
	u, err := url.Parse(conn.SAML.SLOURL)
	if err != nil {
		return "", fmt.Errorf("parse slo url: %w", err)
	}
	q := u.Query()
	q.Set("SAMLRequest", encoded)
	q.Set("RelayState", req.ID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deflateBase64 applies the SAML redirect binding encoding: raw DEFLATE
// then base64.
func deflateBase64(doc []byte) (string, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(doc); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

type samlLogoutResponse struct {
	XMLName xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:protocol LogoutResponse"`
	Status  struct {
		StatusCode struct {
			Value string `xml:"Value,attr"`
		} `xml:"StatusCode"`
	} `xml:"Status"`
}

const samlStatusSuccess = "urn:oasis:names:tc:SAML:2.0:status:Success"

// ParseSAMLLogoutResponse decodes a base64 LogoutResponse from the SLO
// endpoint and reports whether the IdP signalled success.
func ParseSAMLLogoutResponse(encoded string) (bool, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, fmt.Errorf("decode logout response: %w", err)
	}
	var lr samlLogoutResponse
	if err := xml.Unmarshal(raw, &lr); err != nil {
		return false, fmt.Errorf("parse logout response: %w", err)
	}
	return lr.Status.StatusCode.Value == samlStatusSuccess, nil
}
