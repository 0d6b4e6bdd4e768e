package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one JSON document per practitioner. Save uses WATCH so a
// concurrent writer between read and write aborts the transaction.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed schedule store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client, prefix: "availability:"}
}

func (s *RedisStore) key(practitionerID string) string {
	return s.prefix + practitionerID
}

func (s *RedisStore) Get(ctx context.Context, practitionerID string) (*Schedule, error) {
	data, err := s.redis.Get(ctx, s.key(practitionerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("availability: redis get: %w", err)
	}
	var schedule Schedule
	if err := json.Unmarshal(data, &schedule); err != nil {
		return nil, fmt.Errorf("availability: decode schedule: %w", err)
	}
	return &schedule, nil
}

func (s *RedisStore) Save(ctx context.Context, schedule *Schedule, expectedRevision int64) error {
	payload, err := json.Marshal(schedule)
	if err != nil {
		return fmt.Errorf("availability: encode schedule: %w", err)
	}
	key := s.key(schedule.PractitionerID)

	err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var stored struct {
				Revision int64 `json:"revision"`
			}
			if err := json.Unmarshal(data, &stored); err != nil {
				return fmt.Errorf("availability: decode stored revision: %w", err)
			}
			current = stored.Revision
		}
		if current != expectedRevision {
			return ErrStaleRevision
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStaleRevision), errors.Is(err, redis.TxFailedErr):
		return ErrStaleRevision
	default:
		return fmt.Errorf("availability: redis save: %w", err)
	}
}
