package credstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"chatnerd/internal/logging"
	"chatnerd/internal/types"
)

// RedisStore keeps the two credential documents as two keys:
// <prefix>:<account>:<worker>:cookies and <prefix>:<account>:<worker>:localStorage.
type RedisStore struct {
	client *redis.Client
	prefix string
	locks  identityLocks
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	logging.Store("connected to redis at %s", addr)
	return NewRedisStoreWithClient(client, prefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "chatnerd"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keys(id types.Identity) (cookies, storage string) {
	base := fmt.Sprintf("%s:%s:%s", s.prefix, id.AccountID, id.WorkerID)
	return base + ":cookies", base + ":localStorage"
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, id types.Identity) (*types.Credential, error) {
	defer s.locks.lock(id)()
	ck, sk := s.keys(id)

	cookies, err := s.client.Get(ctx, ck).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential for %s: %w", id, err)
	}
	storage, err := s.client.Get(ctx, sk).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load local storage for %s: %w", id, err)
	}
	return decode(cookies, storage)
}

// Save implements Store. Both keys are written in one transaction.
func (s *RedisStore) Save(ctx context.Context, id types.Identity, cred *types.Credential) error {
	defer s.locks.lock(id)()
	if cred == nil {
		return fmt.Errorf("nil credential for %s", id)
	}
	cookies, storage, err := encode(cred)
	if err != nil {
		return err
	}
	ck, sk := s.keys(id)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ck, cookies, 0)
		pipe.Set(ctx, sk, storage, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save credential for %s: %w", id, err)
	}
	logging.StoreDebug("saved credential for %s to redis", id)
	return nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, id types.Identity) error {
	defer s.locks.lock(id)()
	ck, sk := s.keys(id)
	if err := s.client.Del(ctx, ck, sk).Err(); err != nil {
		return fmt.Errorf("failed to remove credential for %s: %w", id, err)
	}
	return nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) ([]types.Identity, error) {
	var ids []types.Identity
	iter := s.client.Scan(ctx, 0, s.prefix+":*:cookies", 100).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimSuffix(strings.TrimPrefix(iter.Val(), s.prefix+":"), ":cookies")
		account, worker, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		ids = append(ids, types.Identity{AccountID: account, WorkerID: worker})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Key() < ids[j].Key() })
	return ids, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
