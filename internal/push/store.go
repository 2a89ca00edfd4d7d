package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	subsKeyPrefix   = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
)

// SubscriptionStore keeps each user's browser subscriptions, newest last.
type SubscriptionStore interface {
	Add(ctx context.Context, userID string, sub Subscription) error
	Remove(ctx context.Context, userID, endpoint string) error
	List(ctx context.Context, userID string) ([]Subscription, error)
}

// RedisStore keeps one list per user, trimmed to the newest maxSubsPerUser
// entries and refreshed to subscriptionTTL on every subscribe.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Add(ctx context.Context, userID string, sub Subscription) error {
	if err := s.Remove(ctx, userID, sub.Endpoint); err != nil {
		return err
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	key := subsKeyPrefix + userID
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push.RedisStore.Add: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, userID, endpoint string) error {
	key := subsKeyPrefix + userID
	items, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("push.RedisStore.Remove: %w", err)
	}
	for _, item := range items {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != endpoint {
			continue
		}
		if err := s.rdb.LRem(ctx, key, 0, item).Err(); err != nil {
			return fmt.Errorf("push.RedisStore.Remove: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, userID string) ([]Subscription, error) {
	items, err := s.rdb.LRange(ctx, subsKeyPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("push.RedisStore.List: %w", err)
	}
	out := make([]Subscription, 0, len(items))
	for _, item := range items {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			out = append(out, sub)
		}
	}
	return out, nil
}

// MemoryStore is the in-process SubscriptionStore used when no Redis is configured.
type MemoryStore struct {
	mu   sync.Mutex
	subs map[string][]Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string][]Subscription)}
}

func (s *MemoryStore) Add(ctx context.Context, userID string, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := without(s.subs[userID], sub.Endpoint)
	list = append(list, sub)
	if len(list) > maxSubsPerUser {
		list = list[len(list)-maxSubsPerUser:]
	}
	s.subs[userID] = list
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, userID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := without(s.subs[userID], endpoint)
	if len(list) == 0 {
		delete(s.subs, userID)
		return nil
	}
	s.subs[userID] = list
	return nil
}

func (s *MemoryStore) List(ctx context.Context, userID string) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Subscription(nil), s.subs[userID]...), nil
}

func without(list []Subscription, endpoint string) []Subscription {
	out := make([]Subscription, 0, len(list))
	for _, s := range list {
		if s.Endpoint != endpoint {
			out = append(out, s)
		}
	}
	return out
}
