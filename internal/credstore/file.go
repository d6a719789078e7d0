package credstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"chatnerd/internal/logging"
	"chatnerd/internal/types"
)

// FileStore keeps credentials under <root>/<account>/<worker>/.
type FileStore struct {
	root  string
	locks identityLocks
}

// NewFileStore returns a store rooted at dir. The directory is created lazily.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

func (s *FileStore) dir(id types.Identity) string {
	return filepath.Join(s.root, id.AccountID, id.WorkerID)
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, id types.Identity) (*types.Credential, error) {
	defer s.locks.lock(id)()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := s.dir(id)
	cookiesPath := filepath.Join(dir, cookiesDoc)
	cookies, err := os.ReadFile(cookiesPath)
	if errors.Is(err, fs.ErrNotExist) {
		logging.StoreDebug("no credential for %s", id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", cookiesPath, err)
	}
	storage, err := os.ReadFile(filepath.Join(dir, storageDoc))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read local storage for %s: %w", id, err)
	}

	cred, err := decode(cookies, storage)
	if err != nil {
		return nil, fmt.Errorf("credential for %s: %w", id, err)
	}
	if info, statErr := os.Stat(cookiesPath); statErr == nil {
		cred.CapturedAt = info.ModTime()
	}
	logging.StoreDebug("loaded credential for %s (%d cookies, %d storage keys)", id, len(cred.Cookies), len(cred.LocalStorage))
	return cred, nil
}

// Save implements Store. Documents are written to temp files and renamed into place.
func (s *FileStore) Save(ctx context.Context, id types.Identity, cred *types.Credential) error {
	defer s.locks.lock(id)()
	if err := ctx.Err(); err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("nil credential for %s", id)
	}

	dir := s.dir(id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	cookies, storage, err := encode(cred)
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, cookiesDoc), cookies); err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, storageDoc), storage); err != nil {
		return err
	}
	logging.Store("saved credential for %s", id)
	return nil
}

// Remove implements Store.
func (s *FileStore) Remove(ctx context.Context, id types.Identity) error {
	defer s.locks.lock(id)()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dir(id)); err != nil {
		return fmt.Errorf("failed to remove credential for %s: %w", id, err)
	}
	logging.Store("removed credential for %s", id)
	return nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]types.Identity, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", "*", cookiesDoc))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	ids := make([]types.Identity, 0, len(matches))
	for _, m := range matches {
		workerDir := filepath.Dir(m)
		ids = append(ids, types.Identity{
			AccountID: filepath.Base(filepath.Dir(workerDir)),
			WorkerID:  filepath.Base(workerDir),
		})
	}
	return ids, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
