package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-kuro/tokenkeeper/pkg/types"
)

type ensureResult struct {
	pair CredentialPair
	err  error
}

// ensureConcurrently starts n EnsureFresh callers and returns their results
// once all have returned.
func ensureConcurrently(ctx context.Context, r *Renewer, n int) <-chan []ensureResult {
	done := make(chan []ensureResult, 1)
	results := make([]ensureResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair, err := r.EnsureFresh(ctx)
			results[i] = ensureResult{pair: pair, err: err}
		}()
	}
	go func() {
		wg.Wait()
		done <- results
	}()
	return done
}

func TestRenewerSingleFlight(t *testing.T) {
	for _, n := range []int{1, 4, 32} {
		t.Run(fmt.Sprintf("%d callers", n), func(t *testing.T) {
			var r *rig
			refresher := &fakeRefresher{gate: make(chan struct{})}
			refresher.respond = renewsTo(t, &r, time.Hour)
			r = newRig(t, refresher)
			require.NoError(t, r.store.Set(r.pairExpiringIn(t, time.Minute)))

			done := ensureConcurrently(context.Background(), r.renewer, n)
			require.Eventually(t, func() bool { return waiting(r.renewer) == n }, eventually, tick)
			assert.True(t, r.renewer.InFlight())

			close(refresher.gate)
			results := <-done

			assert.Equal(t, 1, refresher.Calls())
			assert.EqualValues(t, 1, r.renewer.Refreshes())
			stored, ok := r.store.Get()
			require.True(t, ok)
			for _, res := range results {
				require.NoError(t, res.err)
				assert.Equal(t, stored.AccessToken, res.pair.AccessToken)
			}
			assert.False(t, r.renewer.InFlight())
		})
	}
}

func TestRenewerFailureRejectsAllAndClears(t *testing.T) {
	refresher := &fakeRefresher{gate: make(chan struct{}), respond: failWith(badRequest())}
	r := newRig(t, refresher)
	require.NoError(t, r.store.Set(r.pairExpiringIn(t, time.Hour)))
	r.scheduler.Schedule(time.Hour)

	done := ensureConcurrently(context.Background(), r.renewer, 4)
	require.Eventually(t, func() bool { return waiting(r.renewer) == 4 }, eventually, tick)
	close(refresher.gate)
	results := <-done

	assert.Equal(t, 1, refresher.Calls())
	for _, res := range results {
		require.ErrorIs(t, res.err, types.ErrAuthenticationFailed)

		var httpErr *types.HTTPError
		require.True(t, errors.As(res.err, &httpErr))
		assert.Equal(t, 400, httpErr.StatusCode)
	}

	_, ok := r.store.Get()
	assert.False(t, ok)
	assert.False(t, r.backend.HasToken())
	assert.False(t, r.scheduler.Armed())
}

func TestRenewerStartsNewCycleAfterSettlement(t *testing.T) {
	var r *rig
	refresher := &fakeRefresher{}
	refresher.respond = renewsTo(t, &r, time.Hour)
	r = newRig(t, refresher)
	require.NoError(t, r.store.Set(r.pairExpiringIn(t, time.Hour)))

	first, err := r.renewer.EnsureFresh(context.Background())
	require.NoError(t, err)
	r.clock.Advance(time.Second)
	second, err := r.renewer.EnsureFresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, refresher.Calls())
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
}

func TestRenewerWithoutCredential(t *testing.T) {
	refresher := &fakeRefresher{respond: failWith(errRefreshRejected)}
	r := newRig(t, refresher)

	_, err := r.renewer.EnsureFresh(context.Background())
	require.ErrorIs(t, err, types.ErrAuthenticationFailed)
	require.ErrorIs(t, err, types.ErrNoCredential)
	assert.Equal(t, 0, refresher.Calls())
}

func TestRenewerKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	var r *rig
	refresher := &fakeRefresher{}
	refresher.respond = func(int) (CredentialPair, error) {
		return CredentialPair{AccessToken: mintToken(t, r.clock.Now().Add(time.Hour))}, nil
	}
	r = newRig(t, refresher)
	require.NoError(t, r.store.Set(r.pairExpiringIn(t, time.Hour)))

	pair, err := r.renewer.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testRefreshToken, pair.RefreshToken)
}

func TestRenewerClearDuringFlight(t *testing.T) {
	var r *rig
	refresher := &fakeRefresher{gate: make(chan struct{})}
	refresher.respond = renewsTo(t, &r, time.Hour)
	r = newRig(t, refresher)
	require.NoError(t, r.store.Set(r.pairExpiringIn(t, time.Hour)))

	done := ensureConcurrently(context.Background(), r.renewer, 3)
	require.Eventually(t, func() bool { return waiting(r.renewer) == 3 }, eventually, tick)

	require.NoError(t, r.store.Clear())
	results := <-done
	for _, res := range results {
		require.ErrorIs(t, res.err, types.ErrAuthenticationFailed)
	}
	assert.False(t, r.renewer.InFlight())

	// The late success must not resurrect the credential.
	close(refresher.gate)
	r.renewer.Wait()
	_, ok := r.store.Get()
	assert.False(t, ok)
	assert.False(t, r.backend.HasToken())
	assert.False(t, r.scheduler.Armed())
}

func TestRenewerFailureKeepsNewerLogin(t *testing.T) {
	refresher := &fakeRefresher{gate: make(chan struct{}), respond: failWith(badRequest())}
	r := newRig(t, refresher)
	require.NoError(t, r.store.Set(r.pairExpiringIn(t, time.Hour)))

	done := ensureConcurrently(context.Background(), r.renewer, 2)
	require.Eventually(t, func() bool { return waiting(r.renewer) == 2 }, eventually, tick)

	// A login lands while the refresh for the old pair is still out.
	login := CredentialPair{
		AccessToken:  mintToken(t, r.clock.Now().Add(2*time.Hour)),
		RefreshToken: "refresh-token-login",
	}
	require.NoError(t, r.store.Set(login))
	r.scheduler.ScheduleFor(login)

	close(refresher.gate)
	results := <-done
	r.renewer.Wait()

	for _, res := range results {
		require.NoError(t, res.err)
		assert.Equal(t, login, res.pair)
	}
	stored, ok := r.store.Get()
	require.True(t, ok)
	assert.Equal(t, login, stored)
	assert.True(t, r.backend.HasToken())
	assert.Equal(t, 0, r.backend.clears)
	assert.True(t, r.scheduler.Armed())
	assert.False(t, r.renewer.InFlight())
}

func TestRenewerFailureReportsRefreshError(t *testing.T) {
	refresher := &fakeRefresher{respond: failWith(badRequest())}
	r := newRig(t, refresher)
	require.NoError(t, r.store.Set(r.pairExpiringIn(t, time.Hour)))

	// The cycle's own clear must not swap the refresh error for a
	// cleared-during-renewal rejection.
	_, err := r.renewer.EnsureFresh(context.Background())
	require.ErrorIs(t, err, types.ErrAuthenticationFailed)
	var httpErr *types.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 400, httpErr.StatusCode)
	assert.Equal(t, 1, r.backend.clears)
}

func TestRenewerCallerContextCancelled(t *testing.T) {
	var r *rig
	refresher := &fakeRefresher{gate: make(chan struct{})}
	refresher.respond = renewsTo(t, &r, time.Hour)
	r = newRig(t, refresher)
	require.NoError(t, r.store.Set(r.pairExpiringIn(t, time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	done := ensureConcurrently(ctx, r.renewer, 1)
	require.Eventually(t, func() bool { return waiting(r.renewer) == 1 }, eventually, tick)
	cancel()

	results := <-done
	require.ErrorIs(t, results[0].err, context.Canceled)
	assert.True(t, r.renewer.InFlight())

	// The cycle still completes and applies its result.
	close(refresher.gate)
	r.renewer.Wait()
	assert.False(t, r.renewer.InFlight())
	_, ok := r.store.Get()
	assert.True(t, ok)
}
