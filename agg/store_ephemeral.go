package agg

import (
	"sort"
	"sync"
	"time"

	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
)

type EphemeralStore struct {
	mu sync.RWMutex
	m  map[string][]chat.UIMessage
	u  map[string]core.Usage
	t  map[string]time.Time

	now func() time.Time
}

func NewEphemeralStore() *EphemeralStore {
	return &EphemeralStore{
		m:   make(map[string][]chat.UIMessage),
		u:   make(map[string]core.Usage),
		t:   make(map[string]time.Time),
		now: time.Now,
	}
}

func (s *EphemeralStore) Load(key string) ([]chat.UIMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.m[key]
	if !ok {
		return []chat.UIMessage{}, nil
	}
	return append([]chat.UIMessage(nil), m...), nil
}

func (s *EphemeralStore) Usage(key string) (core.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.u[key], nil
}

func (s *EphemeralStore) Save(key string, msgs []chat.UIMessage, usage core.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m[key] = append([]chat.UIMessage(nil), msgs...)

	u := s.u[key]
	u.Inc(usage)
	s.u[key] = u
	s.t[key] = s.now()

	return nil
}

// List returns the sessions, most recently saved first.
func (s *EphemeralStore) List() ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.m))
	for key, msgs := range s.m {
		out = append(out, Session{
			ID:        key,
			Messages:  len(msgs),
			Usage:     s.u[key],
			UpdatedAt: s.t[key],
			Title:     sessionTitle(msgs),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
