package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Flow and token defaults
const (
	DefaultAuthRequestTTL = 10 * time.Minute
	DefaultAuthCodeTTL    = 60 * time.Second
	DefaultLogoutTTL      = 5 * time.Minute
	DefaultAccessTTL      = 10 * time.Minute
	DefaultIDTokenTTL     = 10 * time.Minute
	DefaultRotateInterval = 24 * time.Hour
)

// Duration is a time.Duration that decodes from YAML strings like "10m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value")
}

// Config captures the full broker configuration loaded from YAML plus
// environment overrides.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Keys        KeyConfig          `yaml:"keys"`
	Flows       FlowConfig         `yaml:"flows"`
	Storage     StorageConfig      `yaml:"storage"`
	Connections []ConnectionConfig `yaml:"connections"`
}

// ServerConfig controls listener, TLS, and identity concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	EntityID        string    `yaml:"entity_id"`
	CookieSecret    string    `yaml:"cookie_secret"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour for production mode.
type TLSConfig struct {
	Domains   []string `yaml:"domains"`
	Email     string   `yaml:"email"`
	CachePath string   `yaml:"cache_path"`
}

// KeyConfig controls signing key persistence and rotation.
type KeyConfig struct {
	JWKSPath       string   `yaml:"jwks_path"`
	RotateInterval Duration `yaml:"rotate_interval"`
}

// FlowConfig holds the TTLs applied to in-flight state.
type FlowConfig struct {
	AuthRequestTTL Duration `yaml:"auth_request_ttl"`
	AuthCodeTTL    Duration `yaml:"auth_code_ttl"`
	LogoutTTL      Duration `yaml:"logout_ttl"`
	AccessTokenTTL Duration `yaml:"access_token_ttl"`
	IDTokenTTL     Duration `yaml:"id_token_ttl"`
}

// StorageConfig selects the flow store backend. An empty redis_url means
// the in-memory store, which is only safe for a single instance.
type StorageConfig struct {
	RedisURL string `yaml:"redis_url"`
}

// ConnectionConfig describes one upstream connection as configured.
type ConnectionConfig struct {
	ID                 string      `yaml:"id"`
	Tenant             string      `yaml:"tenant"`
	Product            string      `yaml:"product"`
	DisplayName        string      `yaml:"display_name"`
	ClientID           string      `yaml:"client_id"`
	ClientSecret       string      `yaml:"client_secret"`
	Protocol           string      `yaml:"protocol"`
	RedirectURLs       []string    `yaml:"redirect_urls"`
	DefaultRedirectURL string      `yaml:"default_redirect_url"`
	Deactivated        bool        `yaml:"deactivated"`
	SAML               *SAMLConfig `yaml:"saml"`
	OIDC               *OIDCConfig `yaml:"oidc"`
}

// SAMLConfig holds upstream SAML IdP settings.
type SAMLConfig struct {
	EntityID     string `yaml:"entity_id"`
	SSOURL       string `yaml:"sso_url"`
	SLOURL       string `yaml:"slo_url"`
	Certificate  string `yaml:"certificate"`
	SPKey        string `yaml:"sp_key"`
	SPCert       string `yaml:"sp_cert"`
	SignRequests bool   `yaml:"sign_requests"`
	PostBinding  bool   `yaml:"post_binding"`
	NameIDFormat string `yaml:"name_id_format"`
}

// OIDCConfig holds upstream OIDC provider settings.
type OIDCConfig struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// LoadConfig reads the YAML config file, merges environment overrides, and
// validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		// Strict decoding surfaces typos and deprecated fields early.
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				Domains:   []string{"localhost"},
				CachePath: ".autocert",
			},
		},
		Keys: KeyConfig{
			RotateInterval: Duration(DefaultRotateInterval),
		},
		Flows: FlowConfig{
			AuthRequestTTL: Duration(DefaultAuthRequestTTL),
			AuthCodeTTL:    Duration(DefaultAuthCodeTTL),
			LogoutTTL:      Duration(DefaultLogoutTTL),
			AccessTokenTTL: Duration(DefaultAccessTTL),
			IDTokenTTL:     Duration(DefaultIDTokenTTL),
		},
	}
}

// DefaultConfig returns the default configuration template, for
// -config-cmd init.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"BROKERD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"BROKERD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"BROKERD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"BROKERD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"BROKERD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"BROKERD_SERVER_ENTITY_ID":         func(v string) { cfg.Server.EntityID = v },
		"BROKERD_SERVER_COOKIE_SECRET":     func(v string) { cfg.Server.CookieSecret = v },
		"BROKERD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"BROKERD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"BROKERD_KEYS_JWKS_PATH":           func(v string) { cfg.Keys.JWKSPath = v },
		"BROKERD_STORAGE_REDIS_URL":        func(v string) { cfg.Storage.RedisURL = v },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the merged config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}
	if len(c.Connections) == 0 {
		return errors.New("at least one connection must be configured")
	}
	for i, conn := range c.Connections {
		label := conn.ID
		if label == "" {
			label = fmt.Sprintf("connections[%d]", i)
		}
		if conn.ID == "" {
			return fmt.Errorf("connections[%d]: id is required", i)
		}
		if conn.Tenant == "" {
			return fmt.Errorf("%s: tenant is required", label)
		}
		if conn.ClientID == "" {
			return fmt.Errorf("%s: client_id is required", label)
		}
		if len(conn.RedirectURLs) == 0 && conn.DefaultRedirectURL == "" {
			return fmt.Errorf("%s: at least one redirect_url is required", label)
		}
		for j, uri := range conn.RedirectURLs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return fmt.Errorf("%s: redirect_urls[%d] must start with http:// or https://, got %s", label, j, uri)
			}
		}
		switch Protocol(conn.Protocol) {
		case ProtocolSAML:
			if conn.SAML == nil {
				return fmt.Errorf("%s: saml settings are required for protocol saml", label)
			}
			if conn.SAML.SSOURL == "" {
				return fmt.Errorf("%s: saml.sso_url is required", label)
			}
			if conn.SAML.Certificate == "" {
				return fmt.Errorf("%s: saml.certificate is required", label)
			}
		case ProtocolOIDC:
			if conn.OIDC == nil {
				return fmt.Errorf("%s: oidc settings are required for protocol oidc", label)
			}
			if conn.OIDC.Issuer == "" {
				return fmt.Errorf("%s: oidc.issuer is required", label)
			}
			if conn.OIDC.ClientID == "" {
				return fmt.Errorf("%s: oidc.client_id is required", label)
			}
		default:
			return fmt.Errorf("%s: protocol must be saml or oidc, got %q", label, conn.Protocol)
		}
	}
	return nil
}

// BuildConnections converts the configured connection list into the domain
// form consumed by the registry.
func (c Config) BuildConnections() []*Connection {
	out := make([]*Connection, 0, len(c.Connections))
	for _, cc := range c.Connections {
		conn := &Connection{
			ID:                 cc.ID,
			Tenant:             cc.Tenant,
			Product:            cc.Product,
			DisplayName:        cc.DisplayName,
			ClientID:           cc.ClientID,
			ClientSecret:       cc.ClientSecret,
			Protocol:           Protocol(cc.Protocol),
			RedirectURLs:       cc.RedirectURLs,
			DefaultRedirectURL: cc.DefaultRedirectURL,
			Deactivated:        cc.Deactivated,
		}
		if cc.SAML != nil {
			conn.SAML = &SAMLUpstream{
				EntityID:       cc.SAML.EntityID,
				SSOURL:         cc.SAML.SSOURL,
				SLOURL:         cc.SAML.SLOURL,
				CertificatePEM: cc.SAML.Certificate,
				SPKeyPEM:       cc.SAML.SPKey,
				SPCertPEM:      cc.SAML.SPCert,
				SignRequests:   cc.SAML.SignRequests,
				PostBinding:    cc.SAML.PostBinding,
				NameIDFormat:   cc.SAML.NameIDFormat,
			}
		}
		if cc.OIDC != nil {
			conn.OIDC = &OIDCUpstream{
				Issuer:       cc.OIDC.Issuer,
				ClientID:     cc.OIDC.ClientID,
				ClientSecret: cc.OIDC.ClientSecret,
				Scopes:       cc.OIDC.Scopes,
			}
		}
		out = append(out, conn)
	}
	return out
}
