package utils

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrTokenNotFound = errors.New("refresh token not found")

// TokenStore remembers the one live refresh token per user.
type TokenStore interface {
	Save(ctx context.Context, userID uint, token string, ttl time.Duration) error
	Get(ctx context.Context, userID uint) (string, error)
}

type RedisTokenStore struct {
	client *redis.Client
	prefix string
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client, prefix: "fuelq:refresh:"}
}

func (s *RedisTokenStore) key(userID uint) string {
	return s.prefix + strconv.FormatUint(uint64(userID), 10)
}

func (s *RedisTokenStore) Save(ctx context.Context, userID uint, token string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(userID), token, ttl).Err()
}

func (s *RedisTokenStore) Get(ctx context.Context, userID uint) (string, error) {
	token, err := s.client.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenNotFound
	}
	return token, err
}

type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[uint]memoryToken
}

type memoryToken struct {
	value   string
	expires time.Time
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[uint]memoryToken)}
}

func (s *MemoryTokenStore) Save(_ context.Context, userID uint, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	s.tokens[userID] = memoryToken{value: token, expires: expires}
	return nil
}

func (s *MemoryTokenStore) Get(_ context.Context, userID uint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[userID]
	if !ok || (!t.expires.IsZero() && time.Now().After(t.expires)) {
		delete(s.tokens, userID)
		return "", ErrTokenNotFound
	}
	return t.value, nil
}
