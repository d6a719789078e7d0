package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"chatnerd/internal/logging"
	"chatnerd/internal/types"
)

// SQLiteStore keeps both credential documents as columns of one row per identity.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.RWMutex
	path  string
	locks identityLocks
}

// NewSQLiteStore opens (or creates) the credential database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("credential database ready at %s", path)
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		account_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		cookies TEXT NOT NULL,
		local_storage TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (account_id, worker_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create credentials table: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, id types.Identity) (*types.Credential, error) {
	defer s.locks.lock(id)()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cookies, storage string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT cookies, local_storage, updated_at FROM credentials WHERE account_id = ? AND worker_id = ?",
		id.AccountID, id.WorkerID,
	).Scan(&cookies, &storage, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential for %s: %w", id, err)
	}

	cred, err := decode([]byte(cookies), []byte(storage))
	if err != nil {
		return nil, fmt.Errorf("credential for %s: %w", id, err)
	}
	cred.CapturedAt = time.Unix(updated, 0)
	return cred, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, id types.Identity, cred *types.Credential) error {
	defer s.locks.lock(id)()
	if cred == nil {
		return fmt.Errorf("nil credential for %s", id)
	}
	cookies, storage, err := encode(cred)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (account_id, worker_id, cookies, local_storage, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(account_id, worker_id) DO UPDATE SET
		   cookies = excluded.cookies,
		   local_storage = excluded.local_storage,
		   updated_at = excluded.updated_at`,
		id.AccountID, id.WorkerID, string(cookies), string(storage), time.Now().Unix(),
	)
	if err != nil {
		logging.StoreError("Failed to save credential for %s: %v", id, err)
		return fmt.Errorf("failed to save credential for %s: %w", id, err)
	}
	logging.StoreDebug("saved credential for %s", id)
	return nil
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, id types.Identity) error {
	defer s.locks.lock(id)()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM credentials WHERE account_id = ? AND worker_id = ?",
		id.AccountID, id.WorkerID,
	); err != nil {
		return fmt.Errorf("failed to remove credential for %s: %w", id, err)
	}
	logging.Store("removed credential for %s", id)
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]types.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT account_id, worker_id FROM credentials ORDER BY account_id, worker_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var ids []types.Identity
	for rows.Next() {
		var id types.Identity
		if err := rows.Scan(&id.AccountID, &id.WorkerID); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
