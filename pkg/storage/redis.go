package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/d-kuro/tokenkeeper/pkg/constants"
)

// RedisStore implements CredentialStore on two Redis string keys,
// <prefix>access_token and <prefix>refresh_token. Writes and deletes go
// through MULTI/EXEC so the pair is never observed half-replaced.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// NewRedisStore creates a store over an existing client. An empty prefix uses
// constants.DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = constants.DefaultRedisPrefix
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		timeout: constants.StorageOpTimeout,
	}
}

// NewRedisStoreFromAddr dials addr with default options.
func NewRedisStoreFromAddr(addr, prefix string) *RedisStore {
	return NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}), prefix)
}

// LoadToken implements CredentialStore.LoadToken.
func (r *RedisStore) LoadToken() (*oauth2.Token, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	values, err := r.client.MGet(ctx, r.accessKey(), r.refreshKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read credential keys from redis: %w", err)
	}

	access, _ := values[0].(string)
	refresh, _ := values[1].(string)
	if access == "" || refresh == "" {
		return nil, fmt.Errorf("credential keys %s*: %w", r.prefix, ErrStorageNotFound)
	}

	return &oauth2.Token{AccessToken: access, RefreshToken: refresh}, nil
}

// StoreToken implements CredentialStore.StoreToken.
func (r *RedisStore) StoreToken(token *oauth2.Token) error {
	if err := validatePair(token); err != nil {
		return err
	}

	ctx, cancel := r.opContext()
	defer cancel()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.accessKey(), token.AccessToken, 0)
		pipe.Set(ctx, r.refreshKey(), token.RefreshToken, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write credential keys to redis: %w", err)
	}
	return nil
}

// ClearToken implements CredentialStore.ClearToken.
func (r *RedisStore) ClearToken() error {
	ctx, cancel := r.opContext()
	defer cancel()

	if err := r.client.Del(ctx, r.accessKey(), r.refreshKey()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to delete credential keys from redis: %w", err)
	}
	return nil
}

// HasToken implements CredentialStore.HasToken.
func (r *RedisStore) HasToken() bool {
	ctx, cancel := r.opContext()
	defer cancel()

	n, err := r.client.Exists(ctx, r.accessKey(), r.refreshKey()).Result()
	return err == nil && n == 2
}

// GetStoragePath implements CredentialStore.GetStoragePath.
func (r *RedisStore) GetStoragePath() string {
	return "redis:" + r.prefix
}

func (r *RedisStore) accessKey() string  { return r.prefix + constants.AccessTokenKey }
func (r *RedisStore) refreshKey() string { return r.prefix + constants.RefreshTokenKey }

func (r *RedisStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}
