package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/meterly/internal/usage/domain"
	"github.com/smallbiznis/meterly/internal/usage/query"
)

// MemoryStore is an in-process event store with the same semantics as the
// gorm repository. Used by the CLI's dry-run mode and handler tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []usagedomain.Event
	keys   map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: map[string]struct{}{}}
}

func memoryKey(orgID snowflake.ID, key string) string {
	return orgID.String() + "|" + key
}

func (s *MemoryStore) Insert(_ context.Context, event *usagedomain.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey(event.OrgID, event.IdempotencyKey)
	if _, exists := s.keys[k]; exists {
		return false, nil
	}
	s.keys[k] = struct{}{}
	s.events = append(s.events, *event)
	return true, nil
}

func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, orgID snowflake.ID, key string) (*usagedomain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.events {
		if s.events[i].OrgID == orgID && s.events[i].IdempotencyKey == key {
			ev := s.events[i]
			return &ev, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Query(_ context.Context, plan query.Plan) ([]usagedomain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []usagedomain.Event
	for _, ev := range s.events {
		if ev.OrgID != plan.OrgID || ev.EventName != plan.EventName {
			continue
		}
		if plan.CustomerID != nil && ev.CustomerID != *plan.CustomerID {
			continue
		}
		if !plan.Contains(ev.Timestamp) || !plan.Matches(ev.Properties) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}
