package auth

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/d-kuro/tokenkeeper/pkg/constants"
)

// Scheduler owns the single deferred timer that renews the credential
// shortly before it expires. At most one timer is armed at any time.
type Scheduler struct {
	store  *Store
	clock  clockwork.Clock
	margin time.Duration
	logger zerolog.Logger

	mu         sync.Mutex
	renewer    CredentialSource
	timer      clockwork.Timer
	generation uint64
	closed     bool
	inflight   sync.WaitGroup
}

// NewScheduler creates a scheduler that clears store when asked to schedule an
// already expired credential. A non-positive margin uses
// constants.DefaultRefreshMargin.
func NewScheduler(store *Store, clock clockwork.Clock, margin time.Duration, logger zerolog.Logger) *Scheduler {
	if margin <= 0 {
		margin = constants.DefaultRefreshMargin
	}
	return &Scheduler{
		store:  store,
		clock:  clock,
		margin: margin,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// SetRenewer binds the renewal target. Triggers before it is set are dropped.
func (s *Scheduler) SetRenewer(renewer CredentialSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewer = renewer
}

// Schedule replaces any armed timer according to how long the credential has
// left:
//   - more than the margin: arm a timer for untilExpiry - margin
//   - inside the margin: renew now, asynchronously
//   - expired: clear the store, no renewal
func (s *Scheduler) Schedule(untilExpiry time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	generation := s.generation

	switch {
	case untilExpiry > s.margin:
		delay := untilExpiry - s.margin
		s.timer = s.clock.AfterFunc(delay, func() { s.fire(generation) })
		s.mu.Unlock()
		s.logger.Debug().Dur("until_expiry", untilExpiry).Dur("delay", delay).Msg("renewal timer armed")

	case untilExpiry > 0:
		s.inflight.Add(1)
		s.mu.Unlock()
		s.logger.Debug().Dur("until_expiry", untilExpiry).Msg("credential inside refresh margin, renewing now")
		go func() {
			defer s.inflight.Done()
			s.renew("margin")
		}()

	default:
		s.mu.Unlock()
		s.logger.Info().Dur("until_expiry", untilExpiry).Msg("credential already expired, clearing")
		_ = s.store.Clear()
	}
}

// ScheduleFor schedules renewal from the expiry claim inside pair. A token
// whose expiry cannot be decoded cancels any timer and schedules nothing;
// the next 401 drives renewal instead.
func (s *Scheduler) ScheduleFor(pair CredentialPair) {
	claim, err := DecodeExpiry(pair.AccessToken)
	if err != nil {
		s.logger.Debug().Err(err).Msg("no usable expiry, proactive renewal disabled for this credential")
		s.Cancel()
		return
	}
	s.Schedule(claim.Until(s.clock.Now()))
}

// Cancel disarms the timer. Safe to call repeatedly.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Armed reports whether a timer is pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Close cancels the timer, refuses further scheduling and waits for any
// renewal it triggered to settle.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.stopLocked()
	s.mu.Unlock()
	s.inflight.Wait()
}

// stopLocked stops the timer and invalidates any callback already queued.
func (s *Scheduler) stopLocked() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) fire(generation uint64) {
	s.mu.Lock()
	if generation != s.generation || s.closed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	s.renew("timer")
}

// renew drives one renewal. On success the renewer re-arms the timer after
// its store write; on failure nothing is re-armed.
func (s *Scheduler) renew(trigger string) {
	s.mu.Lock()
	renewer := s.renewer
	s.mu.Unlock()
	if renewer == nil {
		return
	}

	if _, err := renewer.EnsureFresh(context.Background()); err != nil {
		s.logger.Warn().Err(err).Str("trigger", trigger).Msg("proactive renewal failed")
		return
	}
	s.logger.Debug().Str("trigger", trigger).Msg("proactive renewal succeeded")
}
