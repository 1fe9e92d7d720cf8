// Package session is the identity/role source: the role assigned to each
// user, kept in Redis, with changes broadcast over pub/sub.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"catalog/api/internal/rbac"
)

var ErrInvalidRole = errors.New("invalid role")

// RoleChange is published whenever a user's role is assigned or revoked.
type RoleChange struct {
	UserID string    `json:"user_id"`
	Role   rbac.Role `json:"role"`
	At     time.Time `json:"at"`
}

// RedisStore keeps role assignments under "role:<user>" and publishes
// RoleChange messages on the "role-changes" channel.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	channel string
}

// NewRedisStore connects and verifies the server is reachable.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  "role:",
		channel: "role-changes",
	}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

// Role returns the user's assigned role, or ok=false when none is assigned.
func (s *RedisStore) Role(ctx context.Context, userID string) (rbac.Role, bool, error) {
	value, err := s.client.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return rbac.RoleGuest, false, nil
	}
	if err != nil {
		return rbac.RoleGuest, false, fmt.Errorf("lookup role: %w", err)
	}
	return rbac.Normalize(value), true, nil
}

// SetRole assigns role to the user and announces the change.
func (s *RedisStore) SetRole(ctx context.Context, userID string, role rbac.Role) error {
	role = rbac.Role(strings.ToLower(strings.TrimSpace(string(role))))
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if err := s.client.Set(ctx, s.key(userID), string(role), 0).Err(); err != nil {
		return fmt.Errorf("save role: %w", err)
	}
	return s.publish(ctx, RoleChange{UserID: userID, Role: role, At: time.Now().UTC()})
}

// RevokeRole drops the assignment; the user falls back to guest.
func (s *RedisStore) RevokeRole(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return s.publish(ctx, RoleChange{UserID: userID, Role: rbac.RoleGuest, At: time.Now().UTC()})
}

func (s *RedisStore) publish(ctx context.Context, change RoleChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal role change: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish role change: %w", err)
	}
	return nil
}

// Watch streams role changes until the returned stop func is called or ctx
// ends. The subscription is confirmed before Watch returns, so changes made
// afterwards are never missed.
func (s *RedisStore) Watch(ctx context.Context) (<-chan RoleChange, func(), error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe role changes: %w", err)
	}

	out := make(chan RoleChange, 16)
	done := make(chan struct{})
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(done)
		defer close(out)
		messages := pubsub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change RoleChange
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					continue
				}
				change.Role = rbac.Normalize(string(change.Role))
				select {
				case out <- change:
				case <-watchCtx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
