package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/joeshaw/envdecode"
)

// Config is the process-wide authentication configuration. It is owned by
// the Orchestrator constructed from it and never mutated afterwards.
//
// When JWKSURL is empty and no Issuer is set, the orchestrator runs in
// anonymous mode: every request is admitted with an anonymous context.
type Config struct {
	// Issuer of inbound tokens. Also the OIDC discovery base when
	// endpoint fields are left empty. ENV: TOKEN_ISSUER
	Issuer string `env:"TOKEN_ISSUER"`
	// Audience expected in inbound tokens. ENV: TOKEN_AUDIENCE
	Audience string `env:"TOKEN_AUDIENCE"`
	// JWKSURL for verifying inbound token signatures. ENV: JWKS_URL
	JWKSURL string `env:"JWKS_URL"`

	// AuthorizationEndpoint for the user OBO flow. ENV: AUTHORIZATION_ENDPOINT
	AuthorizationEndpoint string `env:"AUTHORIZATION_ENDPOINT"`
	// TokenEndpoint for code exchanges (user and agent flows). ENV: TOKEN_ENDPOINT
	TokenEndpoint string `env:"TOKEN_ENDPOINT"`

	// ClientID used for the OBO exchange. ENV: OBO_CLIENT_ID
	ClientID string `env:"OBO_CLIENT_ID"`
	// ClientSecret is optional for public PKCE clients. ENV: OBO_CLIENT_SECRET
	ClientSecret string `env:"OBO_CLIENT_SECRET"`
	// RedirectURI the provider calls back to. ENV: OBO_REDIRECT_URI
	RedirectURI string `env:"OBO_REDIRECT_URI,default=http://localhost:8010/auth/callback"`
	// Scopes requested for the delegated token. ENV: OBO_SCOPES (comma-separated)
	Scopes []string `env:"OBO_SCOPES,default=openid;profile;email"`

	// RequiredScopes that inbound tokens must all carry. Empty disables
	// the scope check. ENV: REQUIRED_SCOPES (comma-separated)
	RequiredScopes []string `env:"REQUIRED_SCOPES"`

	// AgentID and AgentPassword enable the agent identity flow when both
	// are set. ENV: AGENT_ID / AGENT_PASSWORD
	AgentID       string `env:"AGENT_ID"`
	AgentPassword string `env:"AGENT_PASSWORD"`

	// InsecureSkipTLSVerify disables certificate verification on every
	// outbound call this subsystem makes. It defaults to verified TLS and
	// is logged loudly when enabled. ENV: INSECURE_SKIP_TLS_VERIFY
	InsecureSkipTLSVerify bool `env:"INSECURE_SKIP_TLS_VERIFY,default=false"`

	// JWKSTimeout bounds JWKS fetches. ENV: JWKS_TIMEOUT
	JWKSTimeout time.Duration `env:"JWKS_TIMEOUT,default=10s"`
	// HTTPTimeout bounds token-endpoint and agent-flow calls. ENV: HTTP_TIMEOUT
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT,default=30s"`
}

// ConfigFromEnv populates a Config from the environment. Defaults are
// provided via struct tags; unset optional fields stay zero.
func ConfigFromEnv() (*Config, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks internal consistency. An all-empty config is valid and
// selects anonymous mode.
func (c *Config) Validate() error {
	if c.JWKSURL == "" && c.Issuer == "" {
		return nil
	}
	if c.AuthorizationEndpoint != "" || c.TokenEndpoint != "" {
		if c.AuthorizationEndpoint == "" || c.TokenEndpoint == "" {
			return errors.New("authorization and token endpoints must be configured together")
		}
		if c.ClientID == "" {
			return errors.New("client id is required when OAuth endpoints are configured")
		}
		if c.RedirectURI == "" {
			return errors.New("redirect uri is required when OAuth endpoints are configured")
		}
	}
	if c.AgentID != "" || c.AgentPassword != "" {
		if c.AgentID == "" || c.AgentPassword == "" {
			return errors.New("agent id and agent password must be configured together")
		}
		if c.TokenEndpoint == "" {
			return errors.New("token endpoint is required for the agent identity flow")
		}
	}
	return nil
}

// resolveEndpoints fills JWKSURL and the OAuth endpoints from OIDC
// discovery when only the issuer is known.
func (c *Config) resolveEndpoints(ctx context.Context) error {
	if c.Issuer == "" {
		return nil
	}
	if c.JWKSURL != "" && c.AuthorizationEndpoint != "" && c.TokenEndpoint != "" {
		return nil
	}

	provider, err := oidc.NewProvider(ctx, c.Issuer)
	if err != nil {
		return fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if c.JWKSURL == "" {
		c.JWKSURL = meta.JWKSURI
	}
	ep := provider.Endpoint()
	if c.AuthorizationEndpoint == "" {
		c.AuthorizationEndpoint = ep.AuthURL
	}
	if c.TokenEndpoint == "" {
		c.TokenEndpoint = ep.TokenURL
	}
	return nil
}
