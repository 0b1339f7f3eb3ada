package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aristath/swarmcore/internal/logging"
)

// Config configures a Store.
type Config struct {
	Backend Manager // Optional; nil keeps everything local
	Breaker BreakerConfig
	Retry   RetryConfig
	Logger  *zap.Logger
	Now     func() time.Time // Clock override for tests
}

// Store is the dual-layer memory: every write lands in the local cache, keyed
// by raw key, and is forwarded best-effort to the backend under
// "namespace:key". Reads prefer the backend and fall back to the cache.
// Backend failures are logged and never returned.
type Store struct {
	backend Manager
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	log     *zap.Logger
	now     func() time.Time
	reads   singleflight.Group

	mu    sync.RWMutex
	local map[string]*Entry
}

// NewStore creates a Store.
func NewStore(cfg Config) *Store {
	log := logging.OrNop(cfg.Logger).Named("memory")

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		backend: cfg.Backend,
		retry:   cfg.Retry,
		log:     log,
		now:     now,
		local:   make(map[string]*Entry),
	}
	if cfg.Backend != nil {
		s.breaker = newBreaker(cfg.Breaker, log)
	}
	return s
}

// Namespace maps the empty namespace to "default".
func Namespace(ns string) string {
	if ns == "" {
		return "default"
	}
	return ns
}

// BackendKey is the key an entry is stored under in the backend.
func BackendKey(namespace, key string) string {
	return Namespace(namespace) + ":" + key
}

// Store marshals value to JSON and writes it.
func (s *Store) Store(ctx context.Context, key string, value any, opts StoreOptions) (*Entry, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode memory value %q: %w", key, err)
	}
	return s.StoreRaw(ctx, key, raw, opts), nil
}

// StoreRaw writes pre-encoded JSON. The local write always succeeds.
func (s *Store) StoreRaw(ctx context.Context, key string, raw json.RawMessage, opts StoreOptions) *Entry {
	now := s.now()
	entry := &Entry{
		Key:       key,
		Value:     raw,
		Timestamp: now,
		Namespace: opts.Namespace,
		Tags:      opts.Tags,
	}
	if opts.TTL > 0 {
		exp := now.Add(opts.TTL)
		entry.ExpiresAt = &exp
	}
	entry = entry.clone()

	s.mu.Lock()
	s.local[key] = entry
	s.mu.Unlock()

	if s.backend != nil {
		s.forward(ctx, entry, opts)
	}
	return entry.clone()
}

func (s *Store) forward(ctx context.Context, entry *Entry, opts StoreOptions) {
	payload, err := json.Marshal(entry)
	if err != nil {
		s.log.Warn("failed to encode memory entry", zap.String("key", entry.Key), zap.Error(err))
		return
	}

	bkey := BackendKey(entry.Namespace, entry.Key)
	if err := storeWithRetry(ctx, s.backend, s.breaker, s.retry, bkey, payload, opts); err != nil {
		s.log.Warn("memory backend write failed, keeping local copy",
			zap.String("key", bkey),
			zap.Error(err))
	}
}

// Retrieve returns the entry for key in namespace, or nil if absent or
// expired. The backend is consulted first. A local entry past its expiry is
// evicted.
func (s *Store) Retrieve(ctx context.Context, key, namespace string) *Entry {
	if s.backend != nil {
		if entry := s.fromBackend(ctx, BackendKey(namespace, key)); entry != nil {
			return entry
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.local[key]
	if !ok {
		return nil
	}
	if entry.Expired(s.now()) {
		delete(s.local, key)
		return nil
	}
	return entry.clone()
}

func (s *Store) fromBackend(ctx context.Context, bkey string) *Entry {
	// Concurrent reads of the same key share one backend call
	result, err, _ := s.reads.Do(bkey, func() (interface{}, error) {
		return retrieveThroughBreaker(ctx, s.backend, s.breaker, bkey)
	})
	if err != nil {
		s.log.Debug("memory backend read failed, using local cache", zap.String("key", bkey), zap.Error(err))
		return nil
	}

	data, _ := result.([]byte)
	if len(data) == 0 {
		return nil
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.log.Warn("undecodable memory backend entry", zap.String("key", bkey), zap.Error(err))
		return nil
	}
	if entry.Expired(s.now()) {
		return nil
	}
	return &entry
}

// Decode retrieves key and unmarshals its value into out. It reports false if
// the entry is absent.
func (s *Store) Decode(ctx context.Context, key, namespace string, out any) (bool, error) {
	entry := s.Retrieve(ctx, key, namespace)
	if entry == nil {
		return false, nil
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		return true, fmt.Errorf("failed to decode memory value %q: %w", key, err)
	}
	return true, nil
}

// Query lists unexpired local entries matching q, oldest first. Expired
// entries encountered are evicted.
func (s *Store) Query(q Query) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*Entry
	for key, entry := range s.local {
		if entry.Expired(now) {
			delete(s.local, key)
			continue
		}
		if q.Namespace != "" && entry.Namespace != q.Namespace {
			continue
		}
		if !entry.HasTags(q.Tags) {
			continue
		}
		out = append(out, entry.clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Len returns the number of local entries, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.local)
}

// BreakerState reports the backend breaker state. Without a backend it is
// always closed.
func (s *Store) BreakerState() gobreaker.State {
	if s.breaker == nil {
		return gobreaker.StateClosed
	}
	return s.breaker.State()
}
