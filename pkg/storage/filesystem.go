package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"

	"github.com/d-kuro/tokenkeeper/pkg/constants"
)

// getDefaultStorageDir returns the default directory for storing credentials.
func getDefaultStorageDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, constants.DefaultStorageDir), nil
}

// ensureDir creates the directory if it doesn't exist.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, constants.DirPermissions); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, permissionError(err))
	}
	return nil
}

// persistedPair is the on-disk shape: the two well-known keys and nothing else.
type persistedPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// loadTokenFromFile loads the credential pair from a JSON file.
func loadTokenFromFile(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("token file does not exist at %s: %w", path, ErrStorageNotFound)
		}
		return nil, fmt.Errorf("failed to read token file at %s: %w", path, permissionError(err))
	}

	var pair persistedPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return nil, fmt.Errorf("failed to parse token JSON at %s: %w", path, ErrStorageCorrupted)
	}

	// A half-written pair counts as no credential at all.
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return nil, fmt.Errorf("incomplete credential pair at %s: %w", path, ErrStorageNotFound)
	}

	return &oauth2.Token{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

// storeTokenToFile writes the pair to a temporary file and renames it over the
// target so readers never observe a partial write.
func storeTokenToFile(path string, token *oauth2.Token) error {
	data, err := json.MarshalIndent(persistedPair{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token to JSON for %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := ensureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary token file in %s: %w", dir, permissionError(err))
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write token file at %s: %w", tmpPath, err)
	}
	if err := tmp.Chmod(constants.FilePermissions); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to restrict token file permissions at %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close token file at %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace token file at %s: %w", path, permissionError(err))
	}

	return nil
}

// removeFile removes a file.
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token file at %s: %w", path, permissionError(err))
	}
	return nil
}
