// Package credstore persists worker session credentials.
//
// Each identity owns two documents: the cookie jar (cookies.json) and the
// application's local storage snapshot (localStorage.json). Backends store them
// as files, as two sqlite columns, or as two redis keys.
package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"chatnerd/internal/types"
)

const (
	cookiesDoc = "cookies.json"
	storageDoc = "localStorage.json"
)

// Store persists credentials per identity.
type Store interface {
	// Load returns the stored credential, or nil with no error when there is none.
	Load(ctx context.Context, id types.Identity) (*types.Credential, error)
	Save(ctx context.Context, id types.Identity, cred *types.Credential) error
	// Remove deletes the credential. Removing a missing credential is not an error.
	Remove(ctx context.Context, id types.Identity) error
	// List returns every identity with a stored credential.
	List(ctx context.Context) ([]types.Identity, error)
	Close() error
}

// identityLocks serializes save/load/remove per identity.
type identityLocks struct {
	mu    sync.Mutex
	locks map[types.Identity]*sync.Mutex
}

func (l *identityLocks) lock(id types.Identity) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[types.Identity]*sync.Mutex)
	}
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func encode(cred *types.Credential) (cookies, storage []byte, err error) {
	cookieList := cred.Cookies
	if cookieList == nil {
		cookieList = []types.Cookie{}
	}
	if cookies, err = json.MarshalIndent(cookieList, "", "  "); err != nil {
		return nil, nil, fmt.Errorf("failed to encode cookies: %w", err)
	}
	ls := cred.LocalStorage
	if ls == nil {
		ls = map[string]string{}
	}
	if storage, err = json.MarshalIndent(ls, "", "  "); err != nil {
		return nil, nil, fmt.Errorf("failed to encode local storage: %w", err)
	}
	return cookies, storage, nil
}

func decode(cookies, storage []byte) (*types.Credential, error) {
	cred := &types.Credential{LocalStorage: map[string]string{}}
	if len(cookies) > 0 {
		if err := json.Unmarshal(cookies, &cred.Cookies); err != nil {
			return nil, fmt.Errorf("failed to decode cookies: %w", err)
		}
	}
	if len(storage) > 0 {
		if err := json.Unmarshal(storage, &cred.LocalStorage); err != nil {
			return nil, fmt.Errorf("failed to decode local storage: %w", err)
		}
	}
	return cred, nil
}
