// Package oauthflow implements the user-facing half of the On-Behalf-Of
// exchange: building PKCE authorization URLs and trading the resulting
// authorization code for downstream tokens. Verifier and challenge
// generation ride on golang.org/x/oauth2's RFC 7636 helpers.
package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/ggoodman/agent-obo-auth/sessions"
)

// ErrNoPendingFlow indicates an exchange was attempted on a session that
// has no stored PKCE verifier, i.e. no authorization URL was issued for it
// or the flow already completed.
var ErrNoPendingFlow = errors.New("oauthflow: no pending PKCE verifier in session")

// FlowError carries the upstream provider's response for a failed OAuth
// HTTP interaction: which step failed, the HTTP status, and the raw body.
type FlowError struct {
	Step   string
	Status int
	Body   string
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("oauth %s failed: status %d: %s", e.Step, e.Status, e.Body)
}

// Config for the flow client. Immutable after New.
type Config struct {
	ClientID              string
	ClientSecret          string
	AuthorizationEndpoint string
	TokenEndpoint         string
	RedirectURI           string
	Scopes                []string
	HTTPTimeout           time.Duration
	// HTTPClient overrides the exchange transport (TLS policy, tests).
	HTTPClient *http.Client
}

// TokenResponse is the provider's answer to a successful code exchange.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
	Scope        string
}

// Client builds authorization URLs and performs code exchanges. Safe for
// concurrent use; all mutable flow state lives on the session.
type Client struct {
	oc   *oauth2.Config
	http *http.Client
	log  *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		oc: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       append([]string(nil), cfg.Scopes...),
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizationEndpoint,
				TokenURL: cfg.TokenEndpoint,
			},
		},
		http: hc,
		log:  log,
	}
}

// AuthorizationURL mints a fresh PKCE verifier and CSRF state, stores both
// on the session, and returns the provider authorization URL. When
// requestedActor is non-empty the URL carries a requested_actor parameter
// naming the service identity the later exchange will act through.
//
// Each call generates a brand-new verifier/state pair; any URL previously
// issued for this session stops being completable once the session is
// persisted with the new pair.
func (c *Client) AuthorizationURL(sess *sessions.Session, requestedActor string) (string, error) {
	verifier := oauth2.GenerateVerifier()
	state, err := randomState()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	sess.PKCEVerifier = verifier
	sess.CSRFState = state

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if requestedActor != "" {
		opts = append(opts, oauth2.SetAuthURLParam("requested_actor", requestedActor))
	}

	u := c.oc.AuthCodeURL(state, opts...)
	c.log.Debug("issued authorization URL", slog.String("jti", sess.JTI))
	return u, nil
}

// Exchange posts the authorization-code grant with the session's stored
// PKCE verifier. When actorToken is non-empty it is attached as
// actor_token, asserting token-exchange delegation through the agent
// identity. A non-success provider response yields a *FlowError.
//
// Authorization codes are single-use at the provider; a completed
// exchange must never be retried with the same code.
func (c *Client) Exchange(ctx context.Context, code string, sess *sessions.Session, actorToken string) (*TokenResponse, error) {
	if sess.PKCEVerifier == "" {
		return nil, ErrNoPendingFlow
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(sess.PKCEVerifier)}
	if actorToken != "" {
		opts = append(opts, oauth2.SetAuthURLParam("actor_token", actorToken))
	}

	tok, err := c.oc.Exchange(ctx, code, opts...)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			status := 0
			if rerr.Response != nil {
				status = rerr.Response.StatusCode
			}
			return nil, &FlowError{Step: "token exchange", Status: status, Body: string(rerr.Body)}
		}
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	if idt, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = idt
	}
	if sc, ok := tok.Extra("scope").(string); ok {
		resp.Scope = sc
	}
	c.log.Debug("token exchange successful", slog.String("jti", sess.JTI))
	return resp, nil
}

// randomState returns 32 bytes of crypto randomness, base64url encoded
// without padding.
func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
