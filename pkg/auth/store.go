package auth

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/d-kuro/tokenkeeper/pkg/storage"
)

// Store is the credential store: the single owner of the current pair.
// It keeps the pair in memory and writes through to a persisted backend.
// Every Set, Replace and Clear bumps an epoch so that a renewal started
// against an older pair can tell it has been superseded.
type Store struct {
	backend storage.CredentialStore
	logger  zerolog.Logger

	mu    sync.RWMutex
	pair  CredentialPair
	epoch uint64

	hooksMu sync.Mutex
	hooks   []func()
}

// NewStore creates a store over backend and loads whatever pair it holds.
// A missing or corrupted backend entry means "no credential".
func NewStore(backend storage.CredentialStore, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		backend: backend,
		logger:  logger.With().Str("component", "store").Logger(),
	}

	token, err := backend.LoadToken()
	switch {
	case err == nil:
		s.pair = PairFromToken(token)
	case errors.Is(err, storage.ErrStorageNotFound):
	case errors.Is(err, storage.ErrStorageCorrupted):
		s.logger.Warn().Err(err).Str("path", backend.GetStoragePath()).Msg("ignoring corrupted credential entry")
	default:
		return nil, &AuthError{
			Op:      "load_credential",
			Message: "failed to load stored credential",
			Err:     err,
		}
	}

	return s, nil
}

// Get returns the current pair and whether one is stored.
func (s *Store) Get() (CredentialPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.pair.Valid()
}

// Epoch returns the current write generation.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Set replaces the pair unconditionally.
func (s *Store) Set(pair CredentialPair) error {
	_, err := s.replace(pair, 0, false)
	return err
}

// Replace writes pair only if nothing else has been written or cleared since
// epoch was read. It reports whether the write happened.
func (s *Store) Replace(pair CredentialPair, epoch uint64) (bool, error) {
	return s.replace(pair, epoch, true)
}

func (s *Store) replace(pair CredentialPair, epoch uint64, conditional bool) (bool, error) {
	if !pair.Valid() {
		return false, &AuthError{
			Op:      "store_credential",
			Message: "credential pair must carry both tokens",
			Err:     storage.ErrStorageCorrupted,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if conditional && s.epoch != epoch {
		return false, nil
	}
	if err := s.backend.StoreToken(pair.Token()); err != nil {
		return false, &AuthError{
			Op:      "store_credential",
			Message: "failed to persist credential",
			Err:     err,
		}
	}
	s.pair = pair
	s.epoch++
	return true, nil
}

// Clear removes the pair and then runs every clear hook. The in-memory pair
// is dropped even if the backend fails. Clearing an empty store only runs
// the hooks.
func (s *Store) Clear() error {
	_, err := s.clear(0, false)
	return err
}

// ClearIf clears only if nothing has been written or cleared since epoch was
// read. It reports whether the clear happened.
func (s *Store) ClearIf(epoch uint64) (bool, error) {
	return s.clear(epoch, true)
}

func (s *Store) clear(epoch uint64, conditional bool) (bool, error) {
	s.mu.Lock()
	if conditional && s.epoch != epoch {
		s.mu.Unlock()
		return false, nil
	}
	err := s.backend.ClearToken()
	s.pair = CredentialPair{}
	s.epoch++
	s.mu.Unlock()

	s.hooksMu.Lock()
	hooks := append([]func(){}, s.hooks...)
	s.hooksMu.Unlock()
	for _, hook := range hooks {
		hook()
	}

	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to clear persisted credential")
		return true, &AuthError{
			Op:      "clear_credential",
			Message: "failed to clear stored credential",
			Err:     err,
		}
	}
	return true, nil
}

// OnClear registers fn to run after every Clear.
func (s *Store) OnClear(fn func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// StoragePath reports where the backend keeps the pair.
func (s *Store) StoragePath() string {
	return s.backend.GetStoragePath()
}
