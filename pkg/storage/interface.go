// Package storage provides persisted backends for the credential pair.
// Every backend stores exactly two values, the access token and the refresh
// token; absence of either means no credential is stored.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"

	"github.com/d-kuro/tokenkeeper/pkg/constants"
)

// CredentialStore defines the interface for storing and retrieving the credential pair.
// Tokens travel as *oauth2.Token so that backends can be shared with other oauth2 tooling;
// only AccessToken and RefreshToken are meaningful.
type CredentialStore interface {
	// LoadToken loads the stored token.
	// Returns ErrStorageNotFound if no complete pair is stored.
	LoadToken() (*oauth2.Token, error)

	// StoreToken replaces the stored pair.
	StoreToken(token *oauth2.Token) error

	// ClearToken removes the stored pair. Clearing an empty store is not an error.
	ClearToken() error

	// HasToken checks if a pair is stored without loading it.
	HasToken() bool

	// GetStoragePath returns where credentials are stored, for diagnostics.
	GetStoragePath() string
}

// FileSystemStore implements CredentialStore using a JSON file.
type FileSystemStore struct {
	baseDir string
}

// NewFileSystemStore creates a new filesystem-based credential store.
// If baseDir is empty, it will use the default directory (~/.tokenkeeper).
func NewFileSystemStore(baseDir string) (*FileSystemStore, error) {
	if baseDir == "" {
		var err error
		baseDir, err = getDefaultStorageDir()
		if err != nil {
			return nil, err
		}
	}

	if err := ensureDir(baseDir); err != nil {
		return nil, err
	}

	return &FileSystemStore{
		baseDir: baseDir,
	}, nil
}

// MustNewFileSystemStore creates a new file system store and panics if an error occurs.
func MustNewFileSystemStore(baseDir string) *FileSystemStore {
	store, err := NewFileSystemStore(baseDir)
	if err != nil {
		panic(err)
	}
	return store
}

// LoadToken implements CredentialStore.LoadToken.
func (fs *FileSystemStore) LoadToken() (*oauth2.Token, error) {
	return loadTokenFromFile(fs.getTokenPath())
}

// StoreToken implements CredentialStore.StoreToken.
func (fs *FileSystemStore) StoreToken(token *oauth2.Token) error {
	if err := validatePair(token); err != nil {
		return err
	}
	return storeTokenToFile(fs.getTokenPath(), token)
}

// ClearToken implements CredentialStore.ClearToken.
func (fs *FileSystemStore) ClearToken() error {
	return removeFile(fs.getTokenPath())
}

// HasToken implements CredentialStore.HasToken.
func (fs *FileSystemStore) HasToken() bool {
	_, err := fs.LoadToken()
	return err == nil
}

// GetStoragePath implements CredentialStore.GetStoragePath.
func (fs *FileSystemStore) GetStoragePath() string {
	return fs.baseDir
}

func (fs *FileSystemStore) getTokenPath() string {
	return filepath.Join(fs.baseDir, constants.TokenFileName)
}

// validatePair rejects partially populated pairs before they reach a backend.
func validatePair(token *oauth2.Token) error {
	if token == nil || token.AccessToken == "" || token.RefreshToken == "" {
		return fmt.Errorf("refusing to store incomplete credential pair: %w", ErrStorageCorrupted)
	}
	return nil
}

// Sentinel errors for storage operations
var (
	ErrStorageNotFound   = errors.New("storage item not found")
	ErrStorageCorrupted  = errors.New("storage data corrupted")
	ErrStoragePermission = errors.New("storage permission denied")
)

// permissionError maps filesystem permission failures to ErrStoragePermission.
func permissionError(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrStoragePermission, err)
	}
	return err
}
