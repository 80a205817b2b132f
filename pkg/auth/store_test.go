package auth

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/d-kuro/tokenkeeper/pkg/storage"
)

func TestNewStoreLoadsBackend(t *testing.T) {
	tests := []struct {
		name     string
		backend  *mockCredStore
		wantPair bool
		wantErr  bool
	}{
		{
			name:     "stored pair",
			backend:  &mockCredStore{token: &oauth2.Token{AccessToken: "access-token-01", RefreshToken: testRefreshToken}},
			wantPair: true,
		},
		{
			name:    "empty backend",
			backend: &mockCredStore{},
		},
		{
			name:    "corrupted entry",
			backend: &mockCredStore{loadErr: storage.ErrStorageCorrupted},
		},
		{
			name:    "permission denied",
			backend: &mockCredStore{loadErr: storage.ErrStoragePermission},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(tt.backend, zerolog.Nop())
			if tt.wantErr {
				require.ErrorIs(t, err, storage.ErrStoragePermission)
				return
			}
			require.NoError(t, err)

			pair, ok := store.Get()
			assert.Equal(t, tt.wantPair, ok)
			if tt.wantPair {
				assert.Equal(t, "access-token-01", pair.AccessToken)
				assert.Equal(t, testRefreshToken, pair.RefreshToken)
			}
		})
	}
}

func TestStoreRejectsPartialPairs(t *testing.T) {
	backend := &mockCredStore{}
	store, err := NewStore(backend, zerolog.Nop())
	require.NoError(t, err)

	for _, pair := range []CredentialPair{
		{},
		{AccessToken: "access-only-01"},
		{RefreshToken: testRefreshToken},
	} {
		require.Error(t, store.Set(pair))
	}

	_, ok := store.Get()
	assert.False(t, ok)
	assert.False(t, backend.HasToken())
}

func TestStoreSetWritesThrough(t *testing.T) {
	backend := &mockCredStore{}
	store, err := NewStore(backend, zerolog.Nop())
	require.NoError(t, err)

	pair := CredentialPair{AccessToken: "access-token-01", RefreshToken: testRefreshToken}
	require.NoError(t, store.Set(pair))

	got, ok := store.Get()
	require.True(t, ok)
	assert.Equal(t, pair.AccessToken, got.AccessToken)

	persisted, err := backend.LoadToken()
	require.NoError(t, err)
	assert.Equal(t, pair.AccessToken, persisted.AccessToken)
	assert.Equal(t, pair.RefreshToken, persisted.RefreshToken)
}

func TestStoreReplaceHonoursEpoch(t *testing.T) {
	store, err := NewStore(&mockCredStore{}, zerolog.Nop())
	require.NoError(t, err)

	first := CredentialPair{AccessToken: "access-token-01", RefreshToken: testRefreshToken}
	require.NoError(t, store.Set(first))
	epoch := store.Epoch()

	require.NoError(t, store.Clear())

	written, err := store.Replace(CredentialPair{AccessToken: "access-token-02", RefreshToken: testRefreshToken}, epoch)
	require.NoError(t, err)
	assert.False(t, written)
	_, ok := store.Get()
	assert.False(t, ok)

	written, err = store.Replace(CredentialPair{AccessToken: "access-token-03", RefreshToken: testRefreshToken}, store.Epoch())
	require.NoError(t, err)
	assert.True(t, written)
	got, _ := store.Get()
	assert.Equal(t, "access-token-03", got.AccessToken)
}

func TestStoreClearIfHonoursEpoch(t *testing.T) {
	backend := &mockCredStore{}
	store, err := NewStore(backend, zerolog.Nop())
	require.NoError(t, err)

	var hookRuns int
	store.OnClear(func() { hookRuns++ })

	require.NoError(t, store.Set(CredentialPair{AccessToken: "access-token-01", RefreshToken: testRefreshToken}))
	stale := store.Epoch()
	require.NoError(t, store.Set(CredentialPair{AccessToken: "access-token-02", RefreshToken: testRefreshToken}))

	cleared, err := store.ClearIf(stale)
	require.NoError(t, err)
	assert.False(t, cleared)
	assert.Equal(t, 0, hookRuns)
	got, ok := store.Get()
	require.True(t, ok)
	assert.Equal(t, "access-token-02", got.AccessToken)
	assert.True(t, backend.HasToken())

	cleared, err = store.ClearIf(store.Epoch())
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Equal(t, 1, hookRuns)
	_, ok = store.Get()
	assert.False(t, ok)
	assert.False(t, backend.HasToken())
}

func TestStoreClearIsIdempotent(t *testing.T) {
	backend := &mockCredStore{}
	store, err := NewStore(backend, zerolog.Nop())
	require.NoError(t, err)

	var hookRuns int
	store.OnClear(func() { hookRuns++ })

	require.NoError(t, store.Set(CredentialPair{AccessToken: "access-token-01", RefreshToken: testRefreshToken}))
	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())

	_, ok := store.Get()
	assert.False(t, ok)
	assert.False(t, backend.HasToken())
	assert.Equal(t, 2, hookRuns)
	assert.Equal(t, 2, backend.clears)
}
