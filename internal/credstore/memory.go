package credstore

import (
	"context"
	"sort"
	"sync"

	"chatnerd/internal/types"
)

// MemoryStore is an in-process Store. Saved credentials are deep-copied.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[types.Identity]*types.Credential
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[types.Identity]*types.Credential)}
}

func (s *MemoryStore) Load(_ context.Context, id types.Identity) (*types.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, nil
	}
	return clone(c), nil
}

func (s *MemoryStore) Save(_ context.Context, id types.Identity, cred *types.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[id] = clone(cred)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, id types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
	return nil
}

func (s *MemoryStore) List(context.Context) ([]types.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]types.Identity, 0, len(s.creds))
	for id := range s.creds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Key() < ids[j].Key() })
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }

func clone(c *types.Credential) *types.Credential {
	if c == nil {
		return nil
	}
	out := &types.Credential{CapturedAt: c.CapturedAt}
	out.Cookies = append([]types.Cookie(nil), c.Cookies...)
	out.LocalStorage = make(map[string]string, len(c.LocalStorage))
	for k, v := range c.LocalStorage {
		out.LocalStorage[k] = v
	}
	return out
}
