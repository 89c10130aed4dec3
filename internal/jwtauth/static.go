package jwtauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	keyfunc "github.com/MicahParks/keyfunc/v3"
)

// NewStatic constructs a Validator over a fixed JWKS document instead of a
// fetched endpoint. Intended for air-gapped hosts and tests; keys are never
// refreshed, so rotating the signing key requires a restart.
func NewStatic(cfg *Config, rawJWKS json.RawMessage, log *slog.Logger) (*Validator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(rawJWKS) == 0 {
		return nil, errors.New("jwks document is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if log == nil {
		log = slog.Default()
	}

	kf, err := keyfunc.NewJWKSetJSON(rawJWKS)
	if err != nil {
		return nil, fmt.Errorf("jwks parse: %w", err)
	}
	return &Validator{cfg: cfg, log: log, kf: kf}, nil
}
