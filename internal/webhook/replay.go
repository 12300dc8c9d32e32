package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// TokenStore remembers webhook tokens so each notification is accepted once.
type TokenStore interface {
	// Remember records token for ttl. It returns false if the token was
	// already recorded and has not expired.
	Remember(ctx context.Context, token string, ttl time.Duration) (bool, error)

	// Forget releases token so a redelivery of the same notification is
	// accepted. Used when forwarding fails after the token was recorded.
	Forget(ctx context.Context, token string) error

	// Name returns the backend name for logging.
	Name() string
}

// NopStore accepts every token.
type NopStore struct{}

// Remember always reports the token as new.
func (NopStore) Remember(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

// Forget does nothing.
func (NopStore) Forget(context.Context, string) error {
	return nil
}

// Name returns the backend name.
func (NopStore) Name() string {
	return "none"
}

// MemoryStore keeps tokens in process memory. Expired tokens are swept
// every sweepEvery insertions.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	now    func() time.Time
	writes int
}

const sweepEvery = 1024

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Remember records token until now+ttl.
func (s *MemoryStore) Remember(_ context.Context, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.tokens[token]; ok && now.Before(exp) {
		return false, nil
	}

	s.tokens[token] = now.Add(ttl)
	s.writes++
	if s.writes%sweepEvery == 0 {
		s.sweep(now)
	}
	return true, nil
}

// Forget drops token.
func (s *MemoryStore) Forget(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}

// Len returns the number of tokens currently held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Name returns the backend name.
func (s *MemoryStore) Name() string {
	return "memory"
}

// sweep drops expired tokens. The caller must hold s.mu.
func (s *MemoryStore) sweep(now time.Time) {
	for token, exp := range s.tokens {
		if !now.Before(exp) {
			delete(s.tokens, token)
		}
	}
}

// RedisStore keeps tokens in Redis so several bridge instances share them.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "mailgun-bridge:token:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Remember records token with SETNX and an expiry of ttl.
func (s *RedisStore) Remember(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+token, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Forget deletes the token key.
func (s *RedisStore) Forget(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.prefix+token).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Name returns the backend name.
func (s *RedisStore) Name() string {
	return "redis"
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
