package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested key is absent or has expired.
var ErrNotFound = errors.New("registry key not found")

// ErrUnavailable signals that the shared store could not be reached.
var ErrUnavailable = errors.New("registry unavailable")

// Store is the only legal access path to the shared pairing keys. Services
// own the key layout; nothing else reads or writes these entries directly.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes value under key with the supplied TTL. A zero TTL stores
	// the value without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
	// Exists reports whether key currently holds a live value.
	Exists(ctx context.Context, key string) (bool, error)
	// Expire refreshes the TTL of an existing key. Absent keys are a no-op.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

const (
	codeKeyPrefix      = "remote:"
	groupBindingPrefix = "autoremote_groupid_"
	codeBindingPrefix  = "autoremote_remotecode_"
	precachePrefix     = "autoremote_beforecache_"
)

// CodeKey is the registry key holding the member roster for a pairing code.
func CodeKey(code string) string { return codeKeyPrefix + code }

// GroupBindingKey maps a reconnect-group id to its currently active code.
func GroupBindingKey(groupID string) string { return groupBindingPrefix + groupID }

// CodeBindingKey maps an active code back to its owning reconnect-group id.
func CodeBindingKey(code string) string { return codeBindingPrefix + code }

// PrecacheKey bridges a principal to its reconnect identity ahead of the
// realtime handshake, where the reconnect cookie is no longer readable.
func PrecacheKey(principalID string) string { return precachePrefix + principalID }
