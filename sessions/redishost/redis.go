// Package redishost provides a Redis-backed session store for hosts that
// run more than one replica behind the same redirect URI. Sessions are
// stored as JSON under a jti key with a companion state index key; both
// carry the same TTL so an abandoned flow expires as a unit.
package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/agent-obo-auth/sessions"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: AUTH_SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"AUTH_SESSIONS_KEY_PREFIX,default=auth:sessions:"`
	// SessionTTL bounds how long an unfinished or delegated session is kept.
	// ENV: AUTH_SESSIONS_TTL
	SessionTTL time.Duration `env:"AUTH_SESSIONS_TTL,default=1h"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "auth:sessions:"
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{client: cl, keyPrefix: prefix, ttl: ttl}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) jtiKey(jti string) string     { return s.keyPrefix + "jti:" + jti }
func (s *Store) stateKey(state string) string { return s.keyPrefix + "state:" + state }

func (s *Store) Create(ctx context.Context, jti, userID string) (*sessions.Session, error) {
	now := time.Now()
	sess := &sessions.Session{JTI: jti, UserID: userID, CreatedAt: now, UpdatedAt: now}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	// SETNX collapses same-jti races across replicas: the loser reads the
	// winner's session instead of overwriting it.
	ok, err := s.client.SetNX(ctx, s.jtiKey(jti), raw, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		existing, err := s.Get(ctx, jti)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		// Raced with an expiry between SETNX and GET; retry once.
		if err := s.client.Set(ctx, s.jtiKey(jti), raw, s.ttl).Err(); err != nil {
			return nil, fmt.Errorf("redis set: %w", err)
		}
	}
	return sess, nil
}

func (s *Store) Get(ctx context.Context, jti string) (*sessions.Session, error) {
	raw, err := s.client.Get(ctx, s.jtiKey(jti)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var sess sessions.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *Store) GetByState(ctx context.Context, state string) (*sessions.Session, error) {
	if state == "" {
		return nil, nil
	}
	jti, err := s.client.Get(ctx, s.stateKey(state)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	sess, err := s.Get(ctx, jti)
	if err != nil || sess == nil {
		return nil, err
	}
	// The index key may outlive a state cleared by a completed callback;
	// the session itself is authoritative.
	if sess.CSRFState != state {
		return nil, nil
	}
	return sess, nil
}

func (s *Store) Update(ctx context.Context, sess *sessions.Session) error {
	current, err := s.Get(ctx, sess.JTI)
	if err != nil {
		return err
	}
	if current == nil {
		return sessions.ErrNotFound
	}

	sess.UpdatedAt = time.Now()
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.jtiKey(sess.JTI), raw, s.ttl)
	if current.CSRFState != "" && current.CSRFState != sess.CSRFState {
		pipe.Del(ctx, s.stateKey(current.CSRFState))
	}
	if sess.CSRFState != "" {
		pipe.Set(ctx, s.stateKey(sess.CSRFState), sess.JTI, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis update: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, jti string) error {
	current, err := s.Get(ctx, jti)
	if err != nil {
		return err
	}
	if current == nil {
		return sessions.ErrNotFound
	}
	c := context.WithoutCancel(ctx)
	keys := []string{s.jtiKey(jti)}
	if current.CSRFState != "" {
		keys = append(keys, s.stateKey(current.CSRFState))
	}
	if err := s.client.Del(c, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

var _ sessions.Store = (*Store)(nil)
