// Package statestore is the device's local durable key-value store. It backs
// the active device binding and the restriction target snapshot, both written
// as single JSON values so a reader always observes a consistent snapshot.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/nestguard/nestguard/internal/shared"
)

// Store wraps a Redis client with a key prefix.
type Store struct {
	client *redis.Client
	prefix string
}

// New constructs a Store.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "device"
	}
	return &Store{client: client, prefix: prefix}
}

// Get returns the raw value for key, or shared.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", shared.ErrUnavailable, err)
	}
	return data, nil
}

// Set stores a raw value with no expiry; device state survives restarts.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrUnavailable, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrUnavailable, err)
	}
	return nil
}

// GetJSON unmarshals the value at key into out.
func (s *Store) GetJSON(ctx context.Context, key string, out any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: corrupt value at %q: %v", shared.ErrInvalid, key, err)
	}
	return nil
}

// SetJSON marshals v and stores it at key as one write, so related fields
// can never be observed half-updated.
func (s *Store) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("statestore: marshal %q: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

func (s *Store) key(key string) string {
	return s.prefix + ":" + key
}
