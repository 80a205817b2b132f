package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/d-kuro/tokenkeeper/pkg/constants"
	"github.com/d-kuro/tokenkeeper/pkg/transport"
	"github.com/d-kuro/tokenkeeper/pkg/types"
)

// State is the lifecycle state of a stream session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosedClean
	StateClosedError
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedClean:
		return "closed_clean"
	case StateClosedError:
		return "closed_error"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Subscription is the subscriber's handle on one task stream. Events arrive
// on Events until the session ends, at which point Events is closed, Done is
// closed and Err reports why.
type Subscription struct {
	id     string
	taskID string
	events chan types.StreamEvent
	done   chan struct{}
	ctx    context.Context // ends with the session
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	retryCount int
	connects   int
	err        error
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// TaskID returns the task this subscription follows.
func (s *Subscription) TaskID() string { return s.taskID }

// Events returns the event channel. Pings are not delivered.
func (s *Subscription) Events() <-chan types.StreamEvent { return s.events }

// Done is closed once the session has ended for good.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is nil after a "complete" event or an explicit Close. Otherwise it
// wraps types.ErrStreamTerminated. Only meaningful once Done is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current session state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RetryCount returns the number of consecutive reconnects since the last
// received event.
func (s *Subscription) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// Connects returns how many connection attempts have been made.
func (s *Subscription) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Close tears the session down and waits for it to finish.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

func (s *Subscription) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// session drives one Subscription through its state machine.
type session struct {
	sub    *Subscription
	m      *Manager
	logger zerolog.Logger
}

type readOutcome int

const (
	outcomeBroken readOutcome = iota
	outcomeClean
	outcomeCancelled
)

func (s *session) run(ctx context.Context) {
	sub := s.sub
	defer close(sub.done)
	defer close(sub.events)
	defer s.m.forget(sub.id)
	defer sub.cancel()

	for {
		sub.setState(StateConnecting)
		outcome, err := s.connectAndRead(ctx)

		switch {
		case outcome == outcomeCancelled || ctx.Err() != nil:
			s.finish(StateTerminated, nil)
			return
		case outcome == outcomeClean:
			s.finish(StateClosedClean, err)
			return
		}

		sub.mu.Lock()
		sub.state = StateClosedError
		retry := sub.retryCount
		if retry >= s.m.config.MaxRetries {
			sub.mu.Unlock()
			s.logger.Warn().Err(err).Int("retry", retry).Msg("stream retries exhausted")
			s.finish(StateTerminated, fmt.Errorf("%w: gave up after %d retries: %w", types.ErrStreamTerminated, retry, err))
			return
		}
		retry++
		sub.retryCount = retry
		sub.mu.Unlock()

		delay := s.m.config.BaseDelay * time.Duration(retry)
		s.logger.Info().Err(err).Int("retry", retry).Dur("delay", delay).Msg("stream lost, reconnecting")

		select {
		case <-s.m.config.Clock.After(delay):
		case <-ctx.Done():
			s.finish(StateTerminated, nil)
			return
		}

		// The stream may have died because its credential expired mid-flight.
		if _, err := s.m.credentials.EnsureFresh(ctx); err != nil {
			if ctx.Err() != nil {
				s.finish(StateTerminated, nil)
				return
			}
			s.logger.Warn().Err(err).Msg("credential renewal failed, abandoning stream")
			s.finish(StateTerminated, fmt.Errorf("%w: credential renewal failed: %w", types.ErrStreamTerminated, err))
			return
		}
	}
}

func (s *session) finish(state State, err error) {
	s.sub.mu.Lock()
	s.sub.state = state
	s.sub.err = err
	s.sub.mu.Unlock()
	s.logger.Debug().Stringer("state", state).Err(err).Msg("stream session ended")
}

// connectAndRead opens one connection and reads it until it ends.
func (s *session) connectAndRead(ctx context.Context) (readOutcome, error) {
	sub := s.sub
	sub.mu.Lock()
	sub.connects++
	sub.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, s.streamURL(), nil)
	if err != nil {
		return outcomeBroken, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set(constants.HeaderAccept, constants.ContentTypeEventStream)
	if s.m.config.UserAgent != "" {
		req.Header.Set(constants.HeaderUserAgent, s.m.config.UserAgent)
	}

	// Only the wait for headers is bounded; the body is read for as long as
	// the server keeps it open.
	deadline := time.AfterFunc(s.m.config.ConnectTimeout, cancel)
	resp, err := s.m.client.Do(req)
	if !deadline.Stop() {
		if err == nil {
			_ = resp.Body.Close()
		}
		if ctx.Err() != nil {
			return outcomeCancelled, nil
		}
		return outcomeBroken, fmt.Errorf("%w: stream connect timed out after %v", types.ErrNetworkFailure, s.m.config.ConnectTimeout)
	}
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled, nil
		}
		return outcomeBroken, fmt.Errorf("%w: %w", types.ErrNetworkFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !transport.IsSuccess(resp.StatusCode) {
		return outcomeBroken, transport.ErrorFromResponse(resp)
	}

	sub.setState(StateOpen)
	s.logger.Debug().Msg("stream open")

	scanner := newFrameScanner(resp.Body)
	for scanner.Next() {
		event, err := decodeEvent(scanner.Frame(), sub.taskID)
		if err != nil {
			return outcomeBroken, err
		}

		sub.mu.Lock()
		sub.retryCount = 0
		sub.mu.Unlock()

		if event.Type == types.EventPing {
			continue
		}
		if !event.Type.Known() {
			s.logger.Debug().Str("type", string(event.Type)).Msg("skipping unknown stream event")
			continue
		}

		select {
		case sub.events <- event:
		case <-ctx.Done():
			return outcomeCancelled, nil
		}

		switch event.Type {
		case types.EventComplete:
			return outcomeClean, nil
		case types.EventError:
			return outcomeClean, fmt.Errorf("%w: task reported error: %s", types.ErrStreamTerminated, event.Message)
		}
	}

	if ctx.Err() != nil {
		return outcomeCancelled, nil
	}
	if err := scanner.Err(); err != nil {
		return outcomeBroken, fmt.Errorf("%w: %w", types.ErrNetworkFailure, err)
	}
	return outcomeBroken, io.ErrUnexpectedEOF
}

// streamURL builds the connect URL. The access token travels as a query
// parameter because event-stream clients cannot always set headers.
func (s *session) streamURL() string {
	u := s.m.config.BaseURL + fmt.Sprintf(s.m.config.PathTemplate, url.PathEscape(s.sub.taskID))
	pair, ok := s.m.credentials.Current()
	if !ok {
		return u
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	query := parsed.Query()
	query.Set(constants.StreamTokenParam, pair.AccessToken)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
