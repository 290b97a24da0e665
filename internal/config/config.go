package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Entra   EntraConfig
	Server  ServerConfig
	Session SessionConfig
	Store   StoreConfig
	Agent   AgentConfig
	Observe ObserveConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// EntraConfig describes the Microsoft Entra ID (Azure AD) application the
// bridge acts as. The bridge is a confidential client: the client secret is
// required for the authorization-code, refresh and on-behalf-of grants.
type EntraConfig struct {
	TenantID     string `env:"ENTRA_TENANT_ID, required"`
	ClientID     string `env:"ENTRA_CLIENT_ID, required"`
	ClientSecret string `env:"ENTRA_CLIENT_SECRET, required"`

	// ApplicationURI is the identifier URI of the bridge's own application
	// registration. The primary delegated scope is "<ApplicationURI>/access".
	ApplicationURI string `env:"ENTRA_APPLICATION_URI, required"`

	// RedirectURI is registered with the provider and received by
	// /auth/callback, e.g. "http://localhost:8080/auth/callback".
	RedirectURI string `env:"ENTRA_REDIRECT_URI, required"`

	// AuthorityURL overrides the issuer base URL. Defaults to the public
	// Microsoft login endpoint for the tenant; set explicitly when testing
	// against a local provider double.
	AuthorityURL string `env:"ENTRA_AUTHORITY_URL"`

	// GraphScopes and ARMScopes are the delegated scopes requested during
	// on-behalf-of exchange for the respective downstream resources.
	GraphScopes []string `env:"ENTRA_GRAPH_SCOPES, default=https://graph.microsoft.com/User.Read"`
	ARMScopes   []string `env:"ENTRA_ARM_SCOPES, default=https://management.azure.com/user_impersonation"`

	// TimeoutSeconds bounds each round trip to the provider's token endpoint.
	TimeoutSeconds int `env:"ENTRA_TIMEOUT_SECS, default=10"`
}

// Authority returns the issuer URL for the configured tenant.
func (c EntraConfig) Authority() string {
	if c.AuthorityURL != "" {
		return c.AuthorityURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", c.TenantID)
}

// PrimaryScopes returns the delegated scopes requested at login for the
// bridge's own API. OpenID scopes ride along so an id_token and refresh
// token are issued with the primary grant.
func (c EntraConfig) PrimaryScopes() []string {
	return []string{"openid", "profile", "email", "offline_access", c.ApplicationURI + "/access"}
}

// SessionConfig controls browser session issuance and storage.
type SessionConfig struct {
	// CookieName is the name of the session cookie issued at login.
	CookieName string `env:"SESSION_COOKIE_NAME, default=obo_session"`

	// LifetimeSeconds is the fixed session duration, independent of any
	// token's own expiry.
	LifetimeSeconds int `env:"SESSION_LIFETIME_SECS, default=3600"`

	// CookieSecure controls the Secure attribute on the session cookie.
	// Disable only for local development over plain HTTP.
	CookieSecure bool `env:"SESSION_COOKIE_SECURE, default=true"`

	// Type selects the session store implementation: "memory" (default) or
	// "valkey".
	Type string `env:"SESSION_STORE_TYPE, default=memory"`

	Valkey ValkeyConfig
}

// ValkeyConfig specifies distributed session store configuration.
type ValkeyConfig struct {
	// Address is the Valkey server address (host:port).
	Address string `env:"VALKEY_ADDRESS"`

	// TLS enables TLS connection to Valkey. Defaults to true so the secure
	// option is the default.
	TLS bool `env:"VALKEY_TLS, default=true"`

	// Username for Valkey authentication.
	Username string `env:"VALKEY_USERNAME"`

	// Password for Valkey authentication.
	Password string `env:"VALKEY_PASSWORD"`
}

// StoreConfig selects the persistence backend for the token cache and the
// thread ownership records.
type StoreConfig struct {
	// Type selects the store implementation: "memory" (default) or "mongodb".
	Type string `env:"STORE_TYPE, default=memory"`

	// MongoURI is the connection string, required when Type is "mongodb".
	MongoURI string `env:"STORE_MONGO_URI"`

	// MongoDatabase is the database holding the bridge's collections.
	MongoDatabase string `env:"STORE_MONGO_DATABASE, default=obobridge"`
}

// AgentConfig locates the agent runtime that thread requests are delegated
// to once authorized.
type AgentConfig struct {
	// BaseURL of the agent runtime API. Empty disables delegation: thread
	// endpoints then only record ownership.
	BaseURL string `env:"AGENT_BASE_URL"`

	TimeoutSeconds int `env:"AGENT_TIMEOUT_SECS, default=60"`
}

type ObserveConfig struct {
	Enabled     bool   `env:"OBSERVE_ENABLED, default=false"`
	ServiceName string `env:"OBSERVE_SERVICE_NAME, default=obo-bridge"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Session.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid session configuration: %w", err)
	}

	if err := cfg.Store.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid store configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the session store configuration is valid.
func (c *SessionConfig) Validate() error {
	switch c.Type {
	case "memory":
	case "valkey":
		if c.Valkey.Address == "" {
			return fmt.Errorf("VALKEY_ADDRESS required when SESSION_STORE_TYPE=valkey")
		}
	default:
		return fmt.Errorf("invalid session store type %q: must be either \"memory\" or \"valkey\"", c.Type)
	}

	if c.LifetimeSeconds <= 0 {
		return fmt.Errorf("SESSION_LIFETIME_SECS must be positive")
	}

	return nil
}

// Validate checks that the persistence configuration is valid.
func (c *StoreConfig) Validate() error {
	switch c.Type {
	case "memory":
	case "mongodb":
		if c.MongoURI == "" {
			return fmt.Errorf("STORE_MONGO_URI required when STORE_TYPE=mongodb")
		}
	default:
		return fmt.Errorf("invalid store type %q: must be either \"memory\" or \"mongodb\"", c.Type)
	}

	return nil
}
