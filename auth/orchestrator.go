package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/agent-obo-auth/agentauth"
	"github.com/ggoodman/agent-obo-auth/internal/jwtauth"
	"github.com/ggoodman/agent-obo-auth/internal/logctx"
	"github.com/ggoodman/agent-obo-auth/internal/oauthflow"
	"github.com/ggoodman/agent-obo-auth/sessions"
	"github.com/ggoodman/agent-obo-auth/sessions/memoryhost"
)

// Orchestrator composes the validator, session store, OAuth flow client
// and agent token provider into the request-time authentication decision
// and the callback completion handler.
//
// Per-session state machine: NEW -> (authorization URL issued) -> PENDING
// -> (callback succeeds) -> DELEGATED. A DELEGATED session is terminal;
// this design does not implement refresh.
type Orchestrator struct {
	cfg       *Config
	validator *jwtauth.Validator
	flow      *oauthflow.Client
	store     sessions.Store
	agent     *agentauth.Provider
	log       *slog.Logger
}

type options struct {
	store sessions.Store
	agent *agentauth.Provider
	log   *slog.Logger
}

// Option configures optional collaborators on New.
type Option func(*options)

// WithSessionStore substitutes the session store. The default is a
// bounded in-memory store.
func WithSessionStore(store sessions.Store) Option {
	return func(o *options) { o.store = store }
}

// WithAgentProvider substitutes a pre-built agent token provider instead
// of the one derived from Config's agent fields.
func WithAgentProvider(p *agentauth.Provider) Option {
	return func(o *options) { o.agent = p }
}

// WithLogger sets the logger. The default is slog.Default wrapped with
// the request-context handler.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// New constructs an Orchestrator from cfg. When endpoint fields are empty
// but an issuer is configured, they are filled via OIDC discovery. The
// config is owned by the returned orchestrator and must not be mutated.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.New(logctx.Handler{Handler: slog.Default().Handler()})
	}

	if err := cfg.resolveEndpoints(ctx); err != nil {
		return nil, err
	}

	orch := &Orchestrator{cfg: cfg, store: o.store, agent: o.agent, log: o.log}

	if orch.store == nil {
		store, err := memoryhost.New(0)
		if err != nil {
			return nil, err
		}
		orch.store = store
	}

	if cfg.JWKSURL != "" {
		vcfg := jwtauth.DefaultConfig()
		vcfg.JWKSURL = cfg.JWKSURL
		vcfg.Issuer = cfg.Issuer
		vcfg.Audience = cfg.Audience
		vcfg.FetchTimeout = cfg.JWKSTimeout
		vcfg.InsecureSkipTLSVerify = cfg.InsecureSkipTLSVerify
		validator, err := jwtauth.New(vcfg, o.log)
		if err != nil {
			return nil, err
		}
		orch.validator = validator
	}

	if cfg.AuthorizationEndpoint != "" && cfg.TokenEndpoint != "" {
		orch.flow = oauthflow.New(oauthflow.Config{
			ClientID:              cfg.ClientID,
			ClientSecret:          cfg.ClientSecret,
			AuthorizationEndpoint: cfg.AuthorizationEndpoint,
			TokenEndpoint:         cfg.TokenEndpoint,
			RedirectURI:           cfg.RedirectURI,
			Scopes:                cfg.Scopes,
			HTTPTimeout:           cfg.HTTPTimeout,
			HTTPClient:            flowHTTPClient(cfg, o.log),
		}, o.log)
	}

	if orch.agent == nil && cfg.AgentID != "" {
		agent, err := agentauth.New(agentauth.Config{
			ClientID:              cfg.ClientID,
			ClientSecret:          cfg.ClientSecret,
			AgentID:               cfg.AgentID,
			AgentPassword:         cfg.AgentPassword,
			TokenEndpoint:         cfg.TokenEndpoint,
			RedirectURI:           cfg.RedirectURI,
			HTTPTimeout:           cfg.HTTPTimeout,
			InsecureSkipTLSVerify: cfg.InsecureSkipTLSVerify,
		}, o.log)
		if err != nil {
			return nil, err
		}
		orch.agent = agent
	}

	return orch, nil
}

func flowHTTPClient(cfg *Config, log *slog.Logger) *http.Client {
	client := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.InsecureSkipTLSVerify {
		log.Warn("TLS certificate verification is DISABLED for token exchanges; never run this way outside development")
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
	}
	return client
}

// Sessions exposes the session store for out-of-band observers such as
// the callback listener's completion poller.
func (o *Orchestrator) Sessions() sessions.Store { return o.store }

// ProcessRequest authenticates one inbound request from its headers.
//
// The decision ladder:
//   - no authentication configured: anonymous authenticated context;
//   - no usable bearer header: ErrMissingCredentials;
//   - token invalid / expired / missing scope: corresponding error;
//   - valid token, unseen jti: create session, issue authorization URL,
//     return *RedirectRequired (NEW -> PENDING);
//   - valid token, delegated session: *Authenticated from the stored
//     token, no network calls (replay safe);
//   - valid token, pending session: fresh authorization URL and
//     *RedirectRequired again.
func (o *Orchestrator) ProcessRequest(ctx context.Context, headers http.Header) (Result, error) {
	if o.validator == nil {
		o.log.DebugContext(ctx, "no JWKS configured; admitting request anonymously")
		return &Authenticated{Anonymous: true}, nil
	}

	rawToken, ok := bearerToken(headers)
	if !ok {
		return nil, ErrMissingCredentials
	}

	var (
		claims Claims
		err    error
	)
	if len(o.cfg.RequiredScopes) > 0 {
		claims, err = o.validator.ValidateWithScope(ctx, rawToken, o.cfg.RequiredScopes)
	} else {
		claims, err = o.validator.Validate(ctx, rawToken)
	}
	if err != nil {
		o.log.WarnContext(ctx, "token validation failed", slog.String("error", err.Error()))
		return nil, err
	}

	jti, sub := claims.JTI(), claims.Subject()
	if jti == "" || sub == "" {
		return nil, fmt.Errorf("%w: token missing jti or sub claim", ErrInvalidToken)
	}
	ctx = logctx.WithAuthData(ctx, &logctx.AuthData{JTI: jti, UserID: sub})

	sess, err := o.store.Get(ctx, jti)
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}

	if sess == nil {
		sess, err = o.store.Create(ctx, jti, sub)
		if err != nil {
			return nil, fmt.Errorf("session create: %w", err)
		}
		// A concurrent request may have created and advanced this session
		// already; fall through to the regular ladder on its state.
	}

	if sess.Delegated() {
		o.log.DebugContext(ctx, "delegated session hit; serving cached OBO token")
		return &Authenticated{
			Claims:     claims,
			RawToken:   rawToken,
			SessionJTI: sess.JTI,
			UserID:     sess.UserID,
			OBOToken:   sess.OBOAccessToken,
			AgentToken: o.agentToken(ctx),
		}, nil
	}

	// NEW or still PENDING: (re)issue an authorization URL. A pending
	// session gets a fresh verifier/state pair, deliberately invalidating
	// any earlier link for that jti.
	redirect, err := o.issueRedirect(ctx, sess)
	if err != nil {
		return nil, err
	}
	return redirect, nil
}

func (o *Orchestrator) issueRedirect(ctx context.Context, sess *sessions.Session) (*RedirectRequired, error) {
	if o.flow == nil {
		return nil, errors.New("auth: delegation required but no OAuth endpoints configured")
	}
	var actor string
	if o.agent != nil {
		actor = o.cfg.AgentID
	}
	authURL, err := o.flow.AuthorizationURL(sess, actor)
	if err != nil {
		return nil, errors.Join(ErrOAuthFlow, err)
	}
	if err := o.store.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("session update: %w", err)
	}
	o.log.InfoContext(ctx, "delegation flow initiated", slog.String("jti", sess.JTI))
	return &RedirectRequired{URL: authURL, SessionJTI: sess.JTI}, nil
}

// HandleCallback completes a delegation flow: it resolves the session by
// CSRF state, exchanges the authorization code, stores the delegated
// tokens, and clears the single-use verifier/state pair (PENDING ->
// DELEGATED).
func (o *Orchestrator) HandleCallback(ctx context.Context, code, state string) (*Authenticated, error) {
	sess, err := o.store.GetByState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("session lookup by state: %w", err)
	}
	if sess == nil {
		o.log.WarnContext(ctx, "callback with unknown or expired state")
		return nil, ErrSession
	}
	ctx = logctx.WithAuthData(ctx, &logctx.AuthData{JTI: sess.JTI, UserID: sess.UserID})

	if o.flow == nil {
		return nil, errors.New("auth: no OAuth endpoints configured")
	}

	agentToken := o.agentToken(ctx)

	resp, err := o.flow.Exchange(ctx, code, sess, agentToken)
	if err != nil {
		o.log.ErrorContext(ctx, "code exchange failed", slog.String("error", err.Error()))
		return nil, errors.Join(ErrOAuthFlow, err)
	}

	sess.OBOAccessToken = resp.AccessToken
	sess.RefreshToken = resp.RefreshToken
	sess.IDToken = resp.IDToken
	// The verifier/state pair is single-use; clearing it makes the
	// callback unreplayable and the session terminal.
	sess.PKCEVerifier = ""
	sess.CSRFState = ""

	if err := o.store.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("session update: %w", err)
	}
	o.log.InfoContext(ctx, "delegation completed", slog.String("jti", sess.JTI))

	return &Authenticated{
		SessionJTI: sess.JTI,
		UserID:     sess.UserID,
		OBOToken:   sess.OBOAccessToken,
		AgentToken: agentToken,
	}, nil
}

// agentToken returns the cached service identity token, acquiring it if
// stale. Failure is a degradation, never fatal to the request.
func (o *Orchestrator) agentToken(ctx context.Context) string {
	if o.agent == nil {
		return ""
	}
	tok, err := o.agent.GetToken(ctx)
	if err != nil {
		o.log.WarnContext(ctx, "agent token unavailable; proceeding without it", slog.String("error", err.Error()))
		return ""
	}
	return tok.AccessToken
}

func bearerToken(headers http.Header) (string, bool) {
	hdr := headers.Get("Authorization")
	tok, found := strings.CutPrefix(hdr, "Bearer ")
	if !found || tok == "" {
		return "", false
	}
	return tok, true
}
