package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/d-kuro/tokenkeeper/pkg/constants"
	"github.com/d-kuro/tokenkeeper/pkg/types"
)

type renewalOutcome struct {
	pair CredentialPair
	err  error
}

// renewalCycle is one in-flight renewal. Its presence on the Renewer is the
// mutual-exclusion flag; pending holds every caller waiting on it, the
// starter included.
type renewalCycle struct {
	pending   []chan renewalOutcome
	discarded bool
	// settling is set while a failing cycle clears the store itself; its own
	// clear must not discard it.
	settling bool
}

// Renewer guarantees at most one refresh call in flight. Callers arriving
// while a cycle runs join its queue, and the whole queue is settled at once
// with a single shared outcome.
type Renewer struct {
	store     *Store
	refresher Refresher
	scheduler Rescheduler
	timeout   time.Duration
	logger    zerolog.Logger

	mu     sync.Mutex
	cycle  *renewalCycle
	cycles sync.WaitGroup

	refreshes atomic.Int64
}

// NewRenewer creates a renewer. scheduler may be nil, in which case nothing is
// re-armed after a successful renewal. A non-positive timeout uses
// constants.DefaultRequestTimeout.
func NewRenewer(store *Store, refresher Refresher, scheduler Rescheduler, timeout time.Duration, logger zerolog.Logger) *Renewer {
	if timeout <= 0 {
		timeout = constants.DefaultRequestTimeout
	}
	return &Renewer{
		store:     store,
		refresher: refresher,
		scheduler: scheduler,
		timeout:   timeout,
		logger:    logger.With().Str("component", "renewer").Logger(),
	}
}

// Current implements CredentialSource.
func (r *Renewer) Current() (CredentialPair, bool) {
	return r.store.Get()
}

// EnsureFresh implements CredentialSource. If ctx ends first the caller stops
// waiting but the cycle still runs to completion for everyone else.
func (r *Renewer) EnsureFresh(ctx context.Context) (CredentialPair, error) {
	result := make(chan renewalOutcome, 1)

	r.mu.Lock()
	cycle := r.cycle
	start := cycle == nil
	if start {
		cycle = &renewalCycle{}
		r.cycle = cycle
		r.cycles.Add(1)
	}
	cycle.pending = append(cycle.pending, result)
	waiters := len(cycle.pending)
	r.mu.Unlock()

	if start {
		go r.run(cycle)
	} else {
		r.logger.Debug().Int("waiters", waiters).Msg("joined in-flight renewal")
	}

	select {
	case outcome := <-result:
		return outcome.pair, outcome.err
	case <-ctx.Done():
		return CredentialPair{}, ctx.Err()
	}
}

// InFlight reports whether a renewal cycle is running.
func (r *Renewer) InFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycle != nil
}

// Refreshes returns how many refresh calls have been issued.
func (r *Renewer) Refreshes() int64 {
	return r.refreshes.Load()
}

// Discard rejects every caller queued on the running cycle and detaches it,
// so its eventual result is dropped. It runs as a store clear hook.
func (r *Renewer) Discard() {
	r.mu.Lock()
	cycle := r.cycle
	if cycle != nil && cycle.settling {
		r.mu.Unlock()
		return
	}
	r.cycle = nil
	var pending []chan renewalOutcome
	if cycle != nil {
		cycle.discarded = true
		pending, cycle.pending = cycle.pending, nil
	}
	r.mu.Unlock()

	if len(pending) > 0 {
		r.logger.Info().Int("waiters", len(pending)).Msg("credential cleared during renewal, rejecting waiters")
	}
	settle(pending, renewalOutcome{err: renewalFailed("credential cleared during renewal", nil)})
}

// Wait blocks until every running cycle has settled.
func (r *Renewer) Wait() {
	r.cycles.Wait()
}

func (r *Renewer) run(cycle *renewalCycle) {
	defer r.cycles.Done()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	epoch := r.store.Epoch()
	current, ok := r.store.Get()
	if !ok {
		r.fail(cycle, epoch, renewalFailed("no refresh token stored", types.ErrNoCredential))
		return
	}

	r.refreshes.Add(1)
	started := time.Now()
	pair, err := r.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		r.logger.Warn().Err(err).Dur("elapsed", time.Since(started)).Msg("refresh call failed")
		r.fail(cycle, epoch, renewalFailed("refresh rejected", err))
		return
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = current.RefreshToken
	}

	written, err := r.store.Replace(pair, epoch)
	if err != nil {
		r.fail(cycle, epoch, renewalFailed("failed to store renewed credential", err))
		return
	}
	if !written {
		// Cleared or replaced by a login while the refresh was in flight.
		latest, ok := r.store.Get()
		if ok {
			r.succeed(cycle, latest)
		} else {
			r.reject(cycle, renewalFailed("credential cleared during renewal", nil))
		}
		return
	}

	r.logger.Info().Dur("elapsed", time.Since(started)).Msg("credential renewed")
	if r.scheduler != nil {
		r.scheduler.ScheduleFor(pair)
	}
	r.succeed(cycle, pair)
}

func (r *Renewer) succeed(cycle *renewalCycle, pair CredentialPair) {
	pending, _ := r.detach(cycle)
	settle(pending, renewalOutcome{pair: pair})
}

// fail clears the store before rejecting, so that every waiter observes an
// empty store once it is released. The clear only applies to the pair the
// cycle started from: if a login or a clear got there first, the newer state
// stands and waiters get the pair it left behind, if any.
func (r *Renewer) fail(cycle *renewalCycle, epoch uint64, err error) {
	r.mu.Lock()
	attached := r.cycle == cycle && !cycle.discarded
	if attached {
		cycle.settling = true
	}
	r.mu.Unlock()

	if attached {
		cleared, _ := r.store.ClearIf(epoch)
		if !cleared {
			if latest, ok := r.store.Get(); ok {
				r.logger.Info().Err(err).Msg("refresh failed for a superseded credential, keeping the current one")
				r.succeed(cycle, latest)
				return
			}
		}
	}
	r.reject(cycle, err)
}

func (r *Renewer) reject(cycle *renewalCycle, err error) {
	pending, _ := r.detach(cycle)
	settle(pending, renewalOutcome{err: err})
}

// detach ends the cycle and takes its queue in one step. It also reports
// whether the cycle was already discarded by a clear.
func (r *Renewer) detach(cycle *renewalCycle) ([]chan renewalOutcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cycle == cycle {
		r.cycle = nil
	}
	pending := cycle.pending
	cycle.pending = nil
	return pending, cycle.discarded
}

func settle(pending []chan renewalOutcome, outcome renewalOutcome) {
	for _, ch := range pending {
		ch <- outcome
	}
}
