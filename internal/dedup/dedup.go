// Package dedup provides short-lived claims so two workers never process
// the same notification key at the same time. The durable dedup record is
// the notification row; a claim only covers the work in flight.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"teamcal/internal/apperr"
	"teamcal/internal/config"
	"teamcal/internal/model"
)

const keyPrefix = "teamcal:notify:"

// Guard hands out exclusive, expiring claims on keys.
type Guard interface {
	// Claim returns true when the caller now owns key. Release must be
	// called with the returned token.
	Claim(ctx context.Context, key string) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// Key renders a notification dedup key.
func Key(k model.DedupKey) string {
	return fmt.Sprintf("%s|%s|%s|%d", k.RecipientID, k.Type, k.ResourceID, k.MutationVersion)
}

// New returns a Redis guard when enabled, else an in-process one.
func New(cfg config.RedisConfig) Guard {
	if !cfg.Enabled {
		return NewMemory(cfg.ClaimTTL)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedis(client, cfg.ClaimTTL)
}

type claim struct {
	token   string
	expires time.Time
}

// Memory is a Guard for a single process.
type Memory struct {
	mu     sync.Mutex
	ttl    time.Duration
	claims map[string]claim
	now    func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Memory{ttl: ttl, claims: make(map[string]claim), now: time.Now}
}

func (m *Memory) Claim(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if c, ok := m.claims[key]; ok && now.Before(c.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.claims[key] = claim{token: token, expires: now.Add(m.ttl)}

	// sweep expired claims so the map does not grow without bound
	if len(m.claims) > 4096 {
		for k, c := range m.claims {
			if !now.Before(c.expires) {
				delete(m.claims, k)
			}
		}
	}
	return token, true, nil
}

func (m *Memory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[key]; ok && c.token == token {
		delete(m.claims, key)
	}
	return nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Guard shared by every process using the same Redis.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Claim(ctx context.Context, key string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, keyPrefix+key, token, r.ttl).Result()
	if err != nil {
		return "", false, apperr.Transient("dedup.Claim", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *Redis) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{keyPrefix + key}, token).Err(); err != nil && err != redis.Nil {
		return apperr.Transient("dedup.Release", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
