// Package fleet starts and stops rented GPU capacity to track the size of
// the job backlog while bounding idle spend.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store holds the fleet's shared state: the active instance id, the
// provisioning lock and the idle-activity timestamp. All operations must be
// linearizable so that controller replicas agree on whether an instance
// exists.
type Store interface {
	ActiveInstance(ctx context.Context) (string, error)
	SetActiveInstance(ctx context.Context, id string) error
	ClearActiveInstance(ctx context.Context) error

	// AcquireProvisionLock returns true when this caller may provision.
	// The lock expires after ttl so a crashed provisioner cannot wedge the
	// fleet.
	AcquireProvisionLock(ctx context.Context, ttl time.Duration) (bool, error)
	ReleaseProvisionLock(ctx context.Context) error

	// TouchActivity records "the fleet did useful work now"; LastActivity
	// returns the most recent touch, or zero time when none was recorded.
	TouchActivity(ctx context.Context) error
	LastActivity(ctx context.Context) (time.Time, error)
}

const (
	activeInstanceKey = "fleetq:fleet:active_instance_id"
	provisionLockKey  = "fleetq:fleet:provision_lock"
	lastActivityKey   = "fleetq:fleet:last_activity"
)

// RedisStore implements Store on a single Redis instance. SET/GET/DEL on one
// key are linearizable, which is all the controller needs.
type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client}
}

func (s *RedisStore) ActiveInstance(ctx context.Context) (string, error) {
	id, err := s.Client.Get(ctx, activeInstanceKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get active instance: %w", err)
	}
	return id, nil
}

func (s *RedisStore) SetActiveInstance(ctx context.Context, id string) error {
	if err := s.Client.Set(ctx, activeInstanceKey, id, 0).Err(); err != nil {
		return fmt.Errorf("set active instance: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearActiveInstance(ctx context.Context) error {
	if err := s.Client.Del(ctx, activeInstanceKey).Err(); err != nil {
		return fmt.Errorf("clear active instance: %w", err)
	}
	return nil
}

func (s *RedisStore) AcquireProvisionLock(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := s.Client.SetNX(ctx, provisionLockKey, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire provision lock: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) ReleaseProvisionLock(ctx context.Context) error {
	return s.Client.Del(ctx, provisionLockKey).Err()
}

func (s *RedisStore) TouchActivity(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.Client.Set(ctx, lastActivityKey, now, 0).Err()
}

func (s *RedisStore) LastActivity(ctx context.Context) (time.Time, error) {
	v, err := s.Client.Get(ctx, lastActivityKey).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last activity: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last activity %q: %w", v, err)
	}
	return t, nil
}
