package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/d-kuro/tokenkeeper/pkg/constants"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test:"), mr
}

func backends(t *testing.T) map[string]CredentialStore {
	t.Helper()
	fs, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	rs, _ := newRedisStore(t)
	return map[string]CredentialStore{
		"filesystem": fs,
		"memory":     NewMemoryStore(),
		"redis":      rs,
	}
}

func TestCredentialStoreRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.False(t, store.HasToken())

			_, err := store.LoadToken()
			require.ErrorIs(t, err, ErrStorageNotFound)

			require.NoError(t, store.StoreToken(&oauth2.Token{
				AccessToken:  "access-token-1",
				RefreshToken: "refresh-token-1",
			}))
			assert.True(t, store.HasToken())

			token, err := store.LoadToken()
			require.NoError(t, err)
			assert.Equal(t, "access-token-1", token.AccessToken)
			assert.Equal(t, "refresh-token-1", token.RefreshToken)

			require.NoError(t, store.StoreToken(&oauth2.Token{
				AccessToken:  "access-token-2",
				RefreshToken: "refresh-token-2",
			}))
			token, err = store.LoadToken()
			require.NoError(t, err)
			assert.Equal(t, "access-token-2", token.AccessToken)

			require.NoError(t, store.ClearToken())
			assert.False(t, store.HasToken())

			// Clearing twice is a no-op.
			require.NoError(t, store.ClearToken())
			_, err = store.LoadToken()
			require.ErrorIs(t, err, ErrStorageNotFound)

			assert.NotEmpty(t, store.GetStoragePath())
		})
	}
}

func TestCredentialStoreRejectsPartialPair(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := store.StoreToken(&oauth2.Token{AccessToken: "only-access"})
			require.ErrorIs(t, err, ErrStorageCorrupted)

			err = store.StoreToken(nil)
			require.ErrorIs(t, err, ErrStorageCorrupted)

			assert.False(t, store.HasToken())
		})
	}
}

func TestFileSystemStoreFileLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSystemStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.StoreToken(&oauth2.Token{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		TokenType:    "Bearer",
	}))

	path := filepath.Join(dir, constants.TokenFileName)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(constants.FilePermissions), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"access-token","refresh_token":"refresh-token"}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileSystemStoreCorruptedAndPartialFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{name: "invalid json", content: "{not json", wantErr: ErrStorageCorrupted},
		{name: "missing refresh token", content: `{"access_token":"a"}`, wantErr: ErrStorageNotFound},
		{name: "missing access token", content: `{"refresh_token":"r"}`, wantErr: ErrStorageNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			store, err := NewFileSystemStore(dir)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(filepath.Join(dir, constants.TokenFileName), []byte(tt.content), 0600))

			_, err = store.LoadToken()
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRedisStoreKeysAndPartialPair(t *testing.T) {
	store, mr := newRedisStore(t)

	require.NoError(t, store.StoreToken(&oauth2.Token{AccessToken: "a-token", RefreshToken: "r-token"}))

	access, err := mr.Get("test:" + constants.AccessTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "a-token", access)

	refresh, err := mr.Get("test:" + constants.RefreshTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "r-token", refresh)

	// Losing one key means no credential.
	mr.Del("test:" + constants.RefreshTokenKey)
	assert.False(t, store.HasToken())
	_, err = store.LoadToken()
	require.ErrorIs(t, err, ErrStorageNotFound)
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, err := store.LoadToken()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStorageNotFound)
	assert.False(t, store.HasToken())
}

func TestMustNewFileSystemStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	store := MustNewFileSystemStore(dir)
	assert.Equal(t, dir, store.GetStoragePath())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
