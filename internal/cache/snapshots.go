// Package cache persists confirmed records per user in Redis so a signed-in
// user sees their last known data before the first fetch completes.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/patient-portal/internal/record"
)

const keyPrefix = "portal:snapshot:"

// Snapshots stores one JSON list of records per (user, entity type).
type Snapshots struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewSnapshots returns a cache whose entries expire after ttl. Zero keeps
// entries until logout deletes them.
func NewSnapshots(redisClient *redis.Client, ttl time.Duration) *Snapshots {
	if redisClient == nil {
		panic("cache: redis client required")
	}
	return &Snapshots{redis: redisClient, ttl: ttl}
}

func (s *Snapshots) key(userID string, t record.EntityType) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, userID, t)
}

func (s *Snapshots) Save(ctx context.Context, userID string, t record.EntityType, recs []record.Record) error {
	if recs == nil {
		recs = []record.Record{}
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", t, err)
	}
	if err := s.redis.Set(ctx, s.key(userID, t), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache: save %s: %w", t, err)
	}
	return nil
}

// Load returns nil when nothing is cached.
func (s *Snapshots) Load(ctx context.Context, userID string, t record.EntityType) ([]record.Record, error) {
	data, err := s.redis.Get(ctx, s.key(userID, t)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: load %s: %w", t, err)
	}
	var recs []record.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("cache: decode %s: %w", t, err)
	}
	for i := range recs {
		recs[i].EntityType = t
	}
	return recs, nil
}

// Delete removes every cached entity type of userID.
func (s *Snapshots) Delete(ctx context.Context, userID string) error {
	types := record.AllEntityTypes()
	keys := make([]string, 0, len(types))
	for _, t := range types {
		keys = append(keys, s.key(userID, t))
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete %s: %w", userID, err)
	}
	return nil
}
