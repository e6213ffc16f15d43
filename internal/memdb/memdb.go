// Package memdb is the key/value cache used by the command lifecycle.
//
// Two shapes are provided: Local, an in-process map with per-entry expiry, and
// Redis, a shared store optionally fronted by a Local read-through layer.
// Callers depend on the MemDb interface only.
package memdb

import (
	"context"
	"time"
)

// KeyPrefix namespaces every key written by gnssbus.
const KeyPrefix = "gnss:"

// MemDb is a string cache with independent per-key expiry.
type MemDb interface {
	// Get returns the value for prefix+key. A missing or expired key is
	// reported as ok == false with a nil error.
	Get(ctx context.Context, prefix, key string) (value string, ok bool, err error)
	// Set stores value with the given ttl. A ttl <= 0 never expires.
	Set(ctx context.Context, prefix, key, value string, ttl time.Duration) error
	// Del removes prefix+key. Deleting a missing key is not an error.
	Del(ctx context.Context, prefix, key string) error
}

// FullKey returns the namespaced storage key.
func FullKey(prefix, key string) string {
	return KeyPrefix + prefix + key
}
