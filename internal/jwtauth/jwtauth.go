// Package jwtauth validates inbound bearer JWTs against a JSON Web Key
// Set. It is the single authoritative validator in the module; every
// request path goes through a Validator constructed once from config, and
// JWKS keys are fetched lazily with a bounded timeout and then refreshed
// in the background.
package jwtauth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/jwkset"
	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidToken indicates the token failed verification: bad signature,
// missing or unknown kid, malformed or mismatched standard claims.
var ErrInvalidToken = errors.New("jwtauth: invalid token")

// ErrTokenExpired indicates the token's exp claim has passed. Kept
// distinct from ErrInvalidToken so callers can tell a stale credential
// from a forged one.
var ErrTokenExpired = errors.New("jwtauth: token expired")

// ErrInsufficientScope indicates the token verified but lacks required
// scope; boundary layers map this to 403 rather than the 401 family.
var ErrInsufficientScope = errors.New("jwtauth: insufficient scope")

// ErrJWKSUnavailable indicates the JWKS endpoint was unreachable or
// returned an unusable document. This is an infrastructure fault and must
// surface as a server error, never as "unauthenticated".
var ErrJWKSUnavailable = errors.New("jwtauth: jwks unavailable")

// ScopeError reports the exact scopes a token is missing. It unwraps to
// ErrInsufficientScope.
type ScopeError struct {
	Missing   []string
	Available []string
}

func (e *ScopeError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("access denied: required scope(s) %q not found in token (no scope claim present)", strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("access denied: required scope(s) %q not present in token; available scopes: %s", strings.Join(e.Missing, ", "), strings.Join(e.Available, ", "))
}

func (e *ScopeError) Unwrap() error { return ErrInsufficientScope }

// Claims is the decoded JWT payload.
type Claims map[string]any

// JTI returns the token identifier claim, or "".
func (c Claims) JTI() string { s, _ := c["jti"].(string); return s }

// Subject returns the sub claim, or "".
func (c Claims) Subject() string { s, _ := c["sub"].(string); return s }

// Scopes normalizes the scope ("scope", space-delimited string) or scp
// (list) claim into a set. ok is false when neither claim is present or
// the claim has an unusable shape.
func (c Claims) Scopes() (set map[string]struct{}, ok bool) {
	raw, present := c["scope"]
	if !present || raw == nil {
		raw, present = c["scp"]
	}
	if !present || raw == nil {
		return nil, false
	}
	set = map[string]struct{}{}
	switch v := raw.(type) {
	case string:
		for _, s := range strings.Fields(v) {
			set[s] = struct{}{}
		}
	case []any:
		for _, e := range v {
			if s, isStr := e.(string); isStr {
				set[s] = struct{}{}
			}
		}
	case []string:
		for _, s := range v {
			set[s] = struct{}{}
		}
	default:
		return nil, false
	}
	return set, true
}

// Config controls validation policy. It is immutable after the Validator
// is constructed.
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
	// AllowedAlgs defaults to RS256 only.
	AllowedAlgs []string
	Leeway      time.Duration
	// FetchTimeout bounds every JWKS HTTP request. Defaults to 10s.
	FetchTimeout time.Duration
	// InsecureSkipTLSVerify disables certificate verification for the
	// JWKS fetch. Off by default; enabling it is logged loudly.
	InsecureSkipTLSVerify bool
}

// DefaultConfig returns a Config with safe algorithm and timeout defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:  []string{"RS256"},
		Leeway:       60 * time.Second,
		FetchTimeout: 10 * time.Second,
	}
}

// Validator verifies bearer tokens. Safe for concurrent use. The JWKS is
// initialized on first use so a transiently unreachable endpoint at
// startup degrades to per-request server errors instead of a crash loop.
type Validator struct {
	cfg *Config
	log *slog.Logger

	mu sync.RWMutex
	kf keyfunc.Keyfunc

	initGroup singleflight.Group
}

// New constructs a Validator. The JWKS endpoint is not contacted yet.
func New(cfg *Config, log *slog.Logger) (*Validator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwks url is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.InsecureSkipTLSVerify {
		log.Warn("TLS certificate verification is DISABLED for JWKS fetches; never run this way outside development",
			slog.String("jwks_url", cfg.JWKSURL))
	}
	return &Validator{cfg: cfg, log: log}, nil
}

// keyfuncFor returns the JWKS-backed keyfunc, performing the initial fetch
// if it has not happened yet. Concurrent first-use callers are coalesced;
// no lock is held while the fetch is in flight.
func (v *Validator) keyfuncFor(ctx context.Context) (keyfunc.Keyfunc, error) {
	v.mu.RLock()
	kf := v.kf
	v.mu.RUnlock()
	if kf != nil {
		return kf, nil
	}

	res, err, _ := v.initGroup.Do("init", func() (any, error) {
		u, err := url.Parse(v.cfg.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("parse jwks url: %w", err)
		}
		client := &http.Client{Timeout: v.cfg.FetchTimeout}
		if v.cfg.InsecureSkipTLSVerify {
			client.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			}
		}
		storage, err := jwkset.NewStorageFromHTTP(u.String(), jwkset.HTTPClientStorageOptions{
			Ctx:             context.Background(),
			Client:          client,
			HTTPTimeout:     v.cfg.FetchTimeout,
			RefreshInterval: time.Hour,
		})
		if err != nil {
			return nil, fmt.Errorf("jwks storage: %w", err)
		}
		kf, err := keyfunc.New(keyfunc.Options{
			Ctx:     context.Background(),
			Storage: storage,
		})
		if err != nil {
			return nil, fmt.Errorf("jwks init: %w", err)
		}
		// Force the first document fetch now so an unreachable endpoint is
		// reported here rather than as an unknown-kid verification failure.
		fetchCtx, cancel := context.WithTimeout(ctx, v.cfg.FetchTimeout)
		defer cancel()
		if _, err := storage.KeyReadAll(fetchCtx); err != nil {
			return nil, fmt.Errorf("jwks fetch: %w", err)
		}
		v.mu.Lock()
		v.kf = kf
		v.mu.Unlock()
		return kf, nil
	})
	if err != nil {
		return nil, errors.Join(ErrJWKSUnavailable, err)
	}
	return res.(keyfunc.Keyfunc), nil
}

// Validate verifies the token signature against the JWKS and enforces
// issuer, audience and expiry per config.
func (v *Validator) Validate(ctx context.Context, token string) (Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	kf, err := v.keyfuncFor(ctx)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	parsed, err := parser.Parse(token, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid == "" {
			return nil, errors.New("missing key ID (kid) header")
		}
		return kf.Keyfunc(t)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	return Claims(claims), nil
}

// ValidateWithScope validates the token and then requires every scope in
// required to be present in the token's scope or scp claim.
func (v *Validator) ValidateWithScope(ctx context.Context, token string, required []string) (Claims, error) {
	claims, err := v.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if len(required) == 0 {
		return claims, nil
	}

	have, ok := claims.Scopes()
	if !ok {
		return nil, &ScopeError{Missing: append([]string(nil), required...)}
	}

	var missing []string
	for _, want := range required {
		if _, present := have[want]; !present {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		available := make([]string, 0, len(have))
		for s := range have {
			available = append(available, s)
		}
		return nil, &ScopeError{Missing: missing, Available: available}
	}
	return claims, nil
}
