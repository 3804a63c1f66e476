package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// PollMappingStore keeps poll id correlations in Redis:
//
//	SET poll:{pollID} {json} NX EX ttl
//	SADD poll:event:{eventID} {pollID}
//
// The per-event set lets finished events be pruned without a key scan.
type PollMappingStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ app.PollMappingRepository = (*PollMappingStore)(nil)

// NewPollMappingStore stores mappings for ttl; zero keeps them until pruned.
func NewPollMappingStore(client *redis.Client, ttl time.Duration) *PollMappingStore {
	return &PollMappingStore{client: client, ttl: ttl}
}

func (s *PollMappingStore) SaveMapping(ctx context.Context, m domain.PollMapping) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode poll mapping: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(m.PollID), payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("save poll mapping %s: %w", m.PollID, err)
	}
	if !ok {
		return domain.ErrMappingExists
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.eventKey(m.EventID), m.PollID)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.eventKey(m.EventID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// the mapping itself is readable; only pruning would miss it
		return fmt.Errorf("index poll mapping %s: %w", m.PollID, err)
	}
	return nil
}

func (s *PollMappingStore) GetMapping(ctx context.Context, pollID string) (domain.PollMapping, error) {
	raw, err := s.client.Get(ctx, s.key(pollID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PollMapping{}, domain.ErrMappingNotFound
	}
	if err != nil {
		return domain.PollMapping{}, fmt.Errorf("get poll mapping %s: %w", pollID, err)
	}
	var m domain.PollMapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.PollMapping{}, fmt.Errorf("decode poll mapping %s: %w", pollID, err)
	}
	return m, nil
}

func (s *PollMappingStore) DeleteMappingsByEvent(ctx context.Context, eventID string) (int, error) {
	pollIDs, err := s.client.SMembers(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list poll mappings of %s: %w", eventID, err)
	}
	if len(pollIDs) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(pollIDs)+1)
	for _, id := range pollIDs {
		keys = append(keys, s.key(id))
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete poll mappings of %s: %w", eventID, err)
	}
	if err := s.client.Del(ctx, s.eventKey(eventID)).Err(); err != nil {
		return int(n), fmt.Errorf("delete poll index of %s: %w", eventID, err)
	}
	return int(n), nil
}

func (s *PollMappingStore) key(pollID string) string {
	return "poll:" + pollID
}

func (s *PollMappingStore) eventKey(eventID string) string {
	return "poll:event:" + eventID
}
