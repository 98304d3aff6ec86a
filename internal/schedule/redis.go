package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKey = "tempus:expiry"

// Redis stores expiry triggers in a sorted set scored by fire time. The
// member is the preview id, so re-arming replaces the prior trigger and the
// whole set can be range-scanned for due work.
type Redis struct {
	client *redis.Client
	key    string
}

var (
	_ Adapter = (*Redis)(nil)
	_ Source  = (*Redis)(nil)
)

// NewRedis returns a sorted-set backed schedule adapter.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = defaultKey
	}
	return &Redis{client: client, key: key}
}

// Arm upserts the preview's trigger with fireAt as its score.
func (r *Redis) Arm(ctx context.Context, previewID string, fireAt time.Time) (string, error) {
	member := redis.Z{Score: float64(fireAt.Unix()), Member: previewID}
	if err := r.client.ZAdd(ctx, r.key, member).Err(); err != nil {
		return "", fmt.Errorf("arm trigger for %s: %w", previewID, err)
	}
	return previewID, nil
}

// Disarm removes the trigger; removing an absent member is success.
func (r *Redis) Disarm(ctx context.Context, scheduleRef string) error {
	if scheduleRef == "" {
		return nil
	}
	if err := r.client.ZRem(ctx, r.key, scheduleRef).Err(); err != nil {
		return fmt.Errorf("disarm trigger %s: %w", scheduleRef, err)
	}
	return nil
}

// Due returns all preview ids whose fire time is at or before now.
func (r *Redis) Due(ctx context.Context, now time.Time) ([]string, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10)}
	ids, err := r.client.ZRangeByScore(ctx, r.key, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("scan due triggers: %w", err)
	}
	return ids, nil
}

// Complete acknowledges a fired trigger by removing its member. A member
// whose score moved into the future was re-armed mid-flight and is kept.
func (r *Redis) Complete(ctx context.Context, previewID string) error {
	score, err := r.client.ZScore(ctx, r.key, previewID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("complete trigger %s: %w", previewID, err)
	}
	if int64(score) > time.Now().Unix() {
		return nil
	}
	if err := r.client.ZRem(ctx, r.key, previewID).Err(); err != nil {
		return fmt.Errorf("complete trigger %s: %w", previewID, err)
	}
	return nil
}

// Ping verifies connectivity to the trigger store.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping trigger store: %w", err)
	}
	return nil
}
