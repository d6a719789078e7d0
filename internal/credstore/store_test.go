package credstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatnerd/internal/types"
)

func sampleCredential() *types.Credential {
	return &types.Credential{
		Cookies: []types.Cookie{
			{Name: "wa_lang_pref", Value: "pt_BR", Domain: ".web.whatsapp.com", Path: "/", Secure: true},
			{Name: "wa_ul", Value: "abc", Domain: ".web.whatsapp.com", Path: "/", HTTPOnly: true, Expires: 1893456000},
		},
		LocalStorage: map[string]string{
			"WABrowserId":    `"XyZ=="`,
			"WASecretBundle": `{"key":"k"}`,
		},
	}
}

// exerciseStore runs the contract every backend must satisfy.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	id := types.Identity{AccountID: "acme", WorkerID: "worker0"}
	other := types.Identity{AccountID: "acme", WorkerID: "worker1"}

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got, "absent credential loads as nil")

	want := sampleCredential()
	require.NoError(t, s.Save(ctx, id, want))
	require.NoError(t, s.Save(ctx, other, &types.Credential{}))

	got, err = s.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(types.Credential{}, "CapturedAt")); diff != "" {
		t.Errorf("credential mismatch (-want +got):\n%s", diff)
	}

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Identity{id, other}, ids)

	// overwrite
	want.LocalStorage["WABrowserId"] = `"new"`
	require.NoError(t, s.Save(ctx, id, want))
	got, err = s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `"new"`, got.LocalStorage["WABrowserId"])

	require.NoError(t, s.Remove(ctx, id))
	require.NoError(t, s.Remove(ctx, id), "removing twice is fine")
	got, err = s.Load(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)

	empty, err := s.Load(ctx, other)
	require.NoError(t, err)
	require.NotNil(t, empty)
	assert.True(t, empty.Empty())
}

func TestFileStore(t *testing.T) {
	s := NewFileStore(t.TempDir())
	defer s.Close()
	exerciseStore(t, s)
}

func TestFileStoreLayout(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root)
	id := types.Identity{AccountID: "acme", WorkerID: "worker0"}
	require.NoError(t, s.Save(context.Background(), id, sampleCredential()))

	assert.FileExists(t, filepath.Join(root, "acme", "worker0", "cookies.json"))
	assert.FileExists(t, filepath.Join(root, "acme", "worker0", "localStorage.json"))
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := types.Identity{AccountID: "a", WorkerID: "worker0"}
	cred := sampleCredential()
	require.NoError(t, s.Save(ctx, id, cred))

	cred.LocalStorage["WABrowserId"] = "mutated"
	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `"XyZ=="`, got.LocalStorage["WABrowserId"])
}

func TestFileStoreConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(t.TempDir())
	id := types.Identity{AccountID: "acme", WorkerID: "worker0"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Save(ctx, id, sampleCredential()))
			_, err := s.Load(ctx, id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Len(t, got.Cookies, 2)
}
