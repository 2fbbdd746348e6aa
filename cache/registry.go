// Package cache remembers large-model sessions handed out to clients so a
// later termination request can be matched to its caller.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tripvox:llm-session:"

var ErrNotFound = errors.New("cache: session not found")

// IssuedSession is one signed large-model URL handed to a user.
type IssuedSession struct {
	SessionID string    `json:"session_id"`
	UUID      string    `json:"uuid"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
}

type Registry interface {
	Remember(ctx context.Context, s IssuedSession, ttl time.Duration) error
	Lookup(ctx context.Context, sessionID string) (IssuedSession, error)
}

type RedisRegistry struct {
	client *redis.Client
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, rawURL string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisRegistry(client), nil
}

func (r *RedisRegistry) Remember(ctx context.Context, s IssuedSession, ttl time.Duration) error {
	if s.SessionID == "" {
		return errors.New("cache: empty session id")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, keyPrefix+s.SessionID, b, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session %s: %w", s.SessionID, err)
	}
	return nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, sessionID string) (IssuedSession, error) {
	b, err := r.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return IssuedSession{}, ErrNotFound
	}
	if err != nil {
		return IssuedSession{}, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	var s IssuedSession
	if err := json.Unmarshal(b, &s); err != nil {
		return IssuedSession{}, fmt.Errorf("corrupt session %s: %w", sessionID, err)
	}
	return s, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// Noop forgets everything. It is used when no redis is configured.
type Noop struct{}

func (Noop) Remember(context.Context, IssuedSession, time.Duration) error { return nil }

func (Noop) Lookup(context.Context, string) (IssuedSession, error) {
	return IssuedSession{}, ErrNotFound
}
