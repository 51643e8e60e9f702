// Package cache memoizes remote responses for a bounded time.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Store keeps byte values until their expiry. A read past expiry is a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key derives the cache key for an operation and its arguments: the
// operation name plus an xxhash of the JSON-encoded arguments.
func Key(operation string, args any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("cache: encode args for %s: %w", operation, err)
	}
	return fmt.Sprintf("%s:%016x", operation, xxhash.Sum64(data)), nil
}
