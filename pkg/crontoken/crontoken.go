// Package crontoken issues single-use continuation tokens. A token authorizes
// exactly one queue run: Authorize deletes it whether or not the run that
// follows succeeds.
package crontoken

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long an unused token stays valid.
const DefaultTTL = 15 * time.Minute

// Issuer creates tokens.
type Issuer interface {
	Issue(ctx context.Context) (string, error)
}

// Authorizer consumes tokens.
type Authorizer interface {
	// Authorize reports whether token was valid and deletes it.
	Authorize(ctx context.Context, token string) (bool, error)
}

// Store is both halves of the token collaborator.
type Store interface {
	Issuer
	Authorizer
}

func newToken() string { return uuid.NewString() }

// Redis keeps tokens in Redis so that any process may consume a token another
// process issued.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis token store. ttl <= 0 means DefaultTTL.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) Issue(ctx context.Context) (string, error) {
	token := newToken()
	if err := r.client.Set(ctx, r.prefix+token, "1", r.ttl).Err(); err != nil {
		return "", fmt.Errorf("crontoken: store token: %w", err)
	}
	return token, nil
}

// Authorize uses GETDEL so that two concurrent callers cannot both succeed.
func (r *Redis) Authorize(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	_, err := r.client.GetDel(ctx, r.prefix+token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("crontoken: consume token: %w", err)
	}
	return true, nil
}

// Memory is a process-local token store.
type Memory struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

// NewMemory creates an in-process token store. ttl <= 0 means DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{tokens: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (m *Memory) Issue(_ context.Context) (string, error) {
	token := newToken()
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for t, exp := range m.tokens {
		if !now.Before(exp) {
			delete(m.tokens, t)
		}
	}
	m.tokens[token] = now.Add(m.ttl)
	return token, nil
}

func (m *Memory) Authorize(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.tokens[token]
	if !ok {
		return false, nil
	}
	delete(m.tokens, token)
	return m.now().Before(exp), nil
}
