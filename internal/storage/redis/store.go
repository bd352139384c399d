// Package redis implements the short-lived ceremony and hand-off stores on
// Redis, for deployments where relying-party instances are horizontally
// scaled and SQLite files are not shared.
//
// Native key TTLs replace the sweep loop and GETDEL gives the single-use
// claim its atomicity.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/louisbranch/stronghold/internal/storage"
)

const (
	ceremonyKeyPrefix = "stronghold:ceremony:"
	consumedKeyPrefix = "stronghold:ceremony-consumed:"
	handoffKeyPrefix  = "stronghold:handoff:"
)

// Store implements CeremonyStore and HandoffStore over Redis.
type Store struct {
	client *redis.Client
	clock  func() time.Time
}

// Open connects to Redis using a redis:// URL and verifies the connection.
func Open(ctx context.Context, redisURL string) (*Store, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(options)
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Store{client: client, clock: time.Now}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// PutCeremony stores a ceremony with its TTL enforced by Redis.
func (s *Store) PutCeremony(ctx context.Context, ceremony storage.Ceremony) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(ceremony.ID) == "" {
		return fmt.Errorf("ceremony id is required")
	}

	payload, err := json.Marshal(ceremony)
	if err != nil {
		return fmt.Errorf("encode ceremony: %w", err)
	}
	ttl := time.Until(ceremony.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("ceremony already expired")
	}
	if err := s.client.Set(ctx, ceremonyKeyPrefix+ceremony.ID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("put ceremony: %w", err)
	}
	return nil
}

// ConsumeCeremony atomically claims a ceremony via GETDEL.
//
// A consumed tombstone with the ceremony's remaining TTL distinguishes a
// replayed ceremony from one that never existed; under a concurrent race the
// loser may observe ErrNotFound instead, which callers treat the same way.
func (s *Store) ConsumeCeremony(ctx context.Context, id string) (storage.Ceremony, error) {
	if err := s.ready(); err != nil {
		return storage.Ceremony{}, err
	}
	if strings.TrimSpace(id) == "" {
		return storage.Ceremony{}, fmt.Errorf("ceremony id is required")
	}

	payload, err := s.client.GetDel(ctx, ceremonyKeyPrefix+id).Result()
	if err != nil {
		if err == redis.Nil {
			consumed, consumedErr := s.client.Exists(ctx, consumedKeyPrefix+id).Result()
			if consumedErr == nil && consumed > 0 {
				return storage.Ceremony{}, storage.ErrCeremonyConsumed
			}
			return storage.Ceremony{}, storage.ErrNotFound
		}
		return storage.Ceremony{}, fmt.Errorf("consume ceremony: %w", err)
	}

	var ceremony storage.Ceremony
	if err := json.Unmarshal([]byte(payload), &ceremony); err != nil {
		return storage.Ceremony{}, fmt.Errorf("decode ceremony: %w", err)
	}

	if ttl := time.Until(ceremony.ExpiresAt); ttl > 0 {
		_ = s.client.Set(ctx, consumedKeyPrefix+id, "1", ttl).Err()
	}
	return ceremony, nil
}

// DeleteExpiredCeremonies is a no-op: Redis expires ceremony keys natively.
func (s *Store) DeleteExpiredCeremonies(ctx context.Context, now time.Time) error {
	return s.ready()
}

// PutHandoffToken stores a hand-off token with its TTL enforced by Redis.
func (s *Store) PutHandoffToken(ctx context.Context, token storage.HandoffToken) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(token.Token) == "" {
		return fmt.Errorf("token is required")
	}
	if strings.TrimSpace(token.AccountID) == "" {
		return fmt.Errorf("account id is required")
	}

	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("token already expired")
	}
	if err := s.client.Set(ctx, handoffKeyPrefix+token.Token, token.AccountID, ttl).Err(); err != nil {
		return fmt.Errorf("put handoff token: %w", err)
	}
	return nil
}

// RedeemHandoffToken atomically claims a token via GETDEL.
func (s *Store) RedeemHandoffToken(ctx context.Context, token string, now time.Time) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if strings.TrimSpace(token) == "" {
		return "", storage.ErrNotFound
	}

	accountID, err := s.client.GetDel(ctx, handoffKeyPrefix+token).Result()
	if err != nil {
		if err == redis.Nil {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("redeem handoff token: %w", err)
	}
	return accountID, nil
}

// DeleteExpiredHandoffTokens is a no-op: Redis expires token keys natively.
func (s *Store) DeleteExpiredHandoffTokens(ctx context.Context, now time.Time) error {
	return s.ready()
}

func (s *Store) ready() error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not configured")
	}
	return nil
}

var _ storage.CeremonyStore = (*Store)(nil)
var _ storage.HandoffStore = (*Store)(nil)
