package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/d-kuro/tokenkeeper/pkg/types"
)

type coordinatorFixture struct {
	clock   *clockwork.FakeClock
	backend *mockCredStore
	mux     *http.ServeMux
	coord   *Coordinator
}

func newCoordinatorFixture(t *testing.T, backend *mockCredStore) *coordinatorFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	coord, err := NewCoordinator(CoordinatorConfig{
		Backend:   backend,
		BaseURL:   server.URL,
		Transport: server.Client().Transport,
		Clock:     clock,
		Logger:    zerolog.Nop(),
		Timeout:   2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	return &coordinatorFixture{clock: clock, backend: backend, mux: mux, coord: coord}
}

func TestCoordinatorLogin(t *testing.T) {
	f := newCoordinatorFixture(t, &mockCredStore{})
	access := mintToken(t, testEpoch.Add(time.Hour))

	f.mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req types.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password != "hunter22" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user":   types.User{ID: "user-1", Email: req.Email},
			"tokens": map[string]string{"access_token": access, "refresh_token": testRefreshToken},
		})
	})

	_, err := f.coord.Login(context.Background(), "ada@example.com", "wrong")
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid credentials")
	assert.False(t, f.coord.IsAuthenticated())

	user, err := f.coord.Login(context.Background(), "ada@example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "ada@example.com", user.Email)

	assert.True(t, f.coord.IsAuthenticated())
	assert.True(t, f.coord.Scheduler().Armed())
	assert.True(t, f.backend.HasToken())

	pair, ok := f.coord.Current()
	require.True(t, ok)
	assert.Equal(t, f.clock.Now(), pair.IssuedAt)
}

func TestCoordinatorRegister(t *testing.T) {
	f := newCoordinatorFixture(t, &mockCredStore{})
	access := mintToken(t, testEpoch.Add(time.Hour))

	f.mux.HandleFunc("POST /auth/register", func(w http.ResponseWriter, r *http.Request) {
		var req types.RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusCreated, map[string]any{
			"user":   types.User{ID: "user-2", Email: req.Email, Name: req.Name},
			"tokens": map[string]string{"access_token": access, "refresh_token": testRefreshToken},
		})
	})

	user, err := f.coord.Register(context.Background(), types.RegisterRequest{Email: "bob@example.com", Password: "pw-123456", Name: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, "Bob", user.Name)
	assert.True(t, f.coord.IsAuthenticated())
}

func TestCoordinatorLogoutAlwaysClears(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "server accepts", status: http.StatusNoContent},
		{name: "server fails", status: http.StatusInternalServerError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockCredStore{token: &oauth2.Token{
				AccessToken:  mintToken(t, testEpoch.Add(time.Hour)),
				RefreshToken: testRefreshToken,
			}}
			f := newCoordinatorFixture(t, backend)
			require.True(t, f.coord.Scheduler().Armed())

			revoked := make(chan string, 1)
			f.mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
				var req types.LogoutRequest
				_ = json.NewDecoder(r.Body).Decode(&req)
				revoked <- req.RefreshToken
				w.WriteHeader(tt.status)
			})

			err := f.coord.Logout(context.Background())
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, testRefreshToken, <-revoked)
			assert.False(t, f.coord.IsAuthenticated())
			assert.False(t, backend.HasToken())
			assert.False(t, f.coord.Scheduler().Armed())
		})
	}
}

func TestCoordinatorLogoutWithoutCredential(t *testing.T) {
	f := newCoordinatorFixture(t, &mockCredStore{})
	require.NoError(t, f.coord.Logout(context.Background()))
	require.NoError(t, f.coord.ClearAuthentication())
}

func TestCoordinatorCurrentUser(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{name: "wrapped", body: map[string]any{"user": types.User{ID: "user-1", Email: "ada@example.com"}}},
		{name: "bare", body: types.User{ID: "user-1", Email: "ada@example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			access := mintToken(t, testEpoch.Add(time.Hour))
			f := newCoordinatorFixture(t, &mockCredStore{token: &oauth2.Token{AccessToken: access, RefreshToken: testRefreshToken}})

			f.mux.HandleFunc("GET /auth/me", func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer "+access {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				writeJSON(w, http.StatusOK, tt.body)
			})

			user, err := f.coord.CurrentUser(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "user-1", user.ID)
			assert.Equal(t, "ada@example.com", user.Email)
		})
	}
}

func TestCoordinatorStartupWithExpiredCredential(t *testing.T) {
	backend := &mockCredStore{token: &oauth2.Token{
		AccessToken:  mintToken(t, testEpoch.Add(-time.Minute)),
		RefreshToken: testRefreshToken,
	}}
	f := newCoordinatorFixture(t, backend)

	assert.False(t, f.coord.IsAuthenticated())
	assert.False(t, backend.HasToken())
	assert.False(t, f.coord.Scheduler().Armed())
}

func TestCoordinatorGetAuthStatus(t *testing.T) {
	f := newCoordinatorFixture(t, &mockCredStore{})

	status, err := f.coord.GetAuthStatus()
	require.NoError(t, err)
	assert.False(t, status.Authenticated)
	assert.Equal(t, "/tmp/test-storage", status.StoragePath)

	access := mintToken(t, testEpoch.Add(time.Hour))
	require.NoError(t, f.coord.Store().Set(CredentialPair{AccessToken: access, RefreshToken: testRefreshToken}))
	f.coord.Scheduler().ScheduleFor(CredentialPair{AccessToken: access, RefreshToken: testRefreshToken})

	status, err = f.coord.GetAuthStatus()
	require.NoError(t, err)
	assert.True(t, status.Authenticated)
	assert.True(t, status.HasRefreshToken)
	assert.True(t, status.RenewalScheduled)
	assert.False(t, status.RenewalInFlight)
	assert.Zero(t, status.Refreshes)
	assert.False(t, status.IsExpired)
	assert.Equal(t, time.Hour, status.ExpiresIn)
	assert.True(t, status.ExpiresAt.Equal(testEpoch.Add(time.Hour)))
}

func TestTokenSource(t *testing.T) {
	f := newCoordinatorFixture(t, &mockCredStore{})
	ts := NewTokenSource(context.Background(), f.coord, f.clock)

	_, err := ts.Token()
	require.ErrorIs(t, err, types.ErrNoCredential)

	access := mintToken(t, testEpoch.Add(time.Hour))
	require.NoError(t, f.coord.Store().Set(CredentialPair{AccessToken: access, RefreshToken: testRefreshToken}))

	token, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, access, token.AccessToken)
	assert.Equal(t, "Bearer", token.Type())
	assert.True(t, token.Expiry.Equal(testEpoch.Add(time.Hour)))
}

func TestTokenSourceRenewsExpiredToken(t *testing.T) {
	f := newCoordinatorFixture(t, &mockCredStore{})
	renewed := mintToken(t, testEpoch.Add(2*time.Hour))
	f.mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, tokensBody(renewed, testRefreshToken))
	})

	// Stored directly so that nothing schedules or clears it.
	require.NoError(t, f.coord.Store().Set(CredentialPair{
		AccessToken:  mintToken(t, testEpoch.Add(-time.Second)),
		RefreshToken: testRefreshToken,
	}))

	token, err := NewTokenSource(context.Background(), f.coord, f.clock).Token()
	require.NoError(t, err)
	assert.Equal(t, renewed, token.AccessToken)

	pair, ok := f.coord.Current()
	require.True(t, ok)
	assert.Equal(t, f.clock.Now(), pair.IssuedAt)

	status, err := f.coord.GetAuthStatus()
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.Refreshes)
}
