package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridianauth/meridian/internal/cache"
)

// ErrFlowNotFound covers absent, expired and completed flows.
var ErrFlowNotFound = errors.New("flow: not found or expired")

const flowTTL = 10 * time.Minute

// Store persists flows in the cache keyed by (type, flow_id). Concurrent
// submissions race on last-write-wins; a stale flow read is treated as a
// replay by the service.
type Store struct {
	cache cache.Cache
}

func NewStore(c cache.Cache) *Store {
	return &Store{cache: c}
}

func flowKey(flowType, id string) string {
	return "flow:" + flowType + ":" + id
}

func (s *Store) Save(ctx context.Context, f *Flow) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flow: %w", err)
	}
	ttl := time.Until(f.ExpiresAt)
	if ttl <= 0 {
		return ErrFlowNotFound
	}
	return s.cache.Set(ctx, flowKey(f.Type, f.ID), raw, ttl)
}

func (s *Store) Get(ctx context.Context, flowType, id string) (*Flow, error) {
	raw, err := s.cache.Get(ctx, flowKey(flowType, id))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}
	var f Flow
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode flow: %w", err)
	}
	if !time.Now().Before(f.ExpiresAt) {
		return nil, ErrFlowNotFound
	}
	return &f, nil
}

func (s *Store) Delete(ctx context.Context, flowType, id string) error {
	return s.cache.Delete(ctx, flowKey(flowType, id))
}
