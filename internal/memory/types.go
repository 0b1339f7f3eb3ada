// Package memory implements the tagged, namespaced key/value store shared by
// the coordinator: an authoritative local cache in front of an optional,
// best-effort external backend.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// Entry is one stored value.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
	Namespace string          `json:"namespace,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// Expired reports whether the entry's expiry has passed at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// HasTags reports whether the entry carries every tag in tags.
func (e *Entry) HasTags(tags []string) bool {
	for _, tag := range tags {
		if !slices.Contains(e.Tags, tag) {
			return false
		}
	}
	return true
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Value = slices.Clone(e.Value)
	cp.Tags = slices.Clone(e.Tags)
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// StoreOptions qualify a write.
type StoreOptions struct {
	Namespace string
	Tags      []string
	TTL       time.Duration // Zero means no expiry
}

// Manager is the external memory backend contract. Retrieve returns nil, nil
// when the key is absent.
type Manager interface {
	Store(ctx context.Context, key string, value []byte, opts StoreOptions) error
	Retrieve(ctx context.Context, key string) ([]byte, error)
}

// Query selects entries from the local cache. Zero-valued fields do not filter.
type Query struct {
	Namespace string
	Tags      []string // Entries must carry all of them
}
