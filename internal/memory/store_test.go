package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu            sync.Mutex
	data          map[string][]byte
	storeFailures int // Remaining Store calls that fail
	retrieveErr   error
	storeCalls    int
	retrieveCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: make(map[string][]byte)}
}

func (f *fakeBackend) Store(_ context.Context, key string, value []byte, _ StoreOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeCalls++
	if f.storeFailures > 0 {
		f.storeFailures--
		return errors.New("backend unavailable")
	}
	f.data[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeBackend) Retrieve(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieveCalls++
	if f.retrieveErr != nil {
		return nil, f.retrieveErr
	}
	return f.data[key], nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLocalOnlyRoundTrip(t *testing.T) {
	s := NewStore(Config{})
	ctx := context.Background()

	entry, err := s.Store(ctx, "k1", map[string]int{"n": 1}, StoreOptions{Namespace: "ns", Tags: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "ns", entry.Namespace)
	assert.Nil(t, entry.ExpiresAt)

	got := s.Retrieve(ctx, "k1", "ns")
	require.NotNil(t, got)
	assert.JSONEq(t, `{"n":1}`, string(got.Value))

	var decoded map[string]int
	found, err := s.Decode(ctx, "k1", "ns", &decoded)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, decoded["n"])

	assert.Nil(t, s.Retrieve(ctx, "missing", "ns"))
	assert.Equal(t, gobreaker.StateClosed, s.BreakerState())
}

func TestStoreRejectsUnencodableValue(t *testing.T) {
	s := NewStore(Config{})

	_, err := s.Store(context.Background(), "bad", make(chan int), StoreOptions{})
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestExpiredEntriesAreEvictedOnRead(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewStore(Config{Now: c.Now})
	ctx := context.Background()

	_, err := s.Store(ctx, "session", "value", StoreOptions{TTL: time.Minute})
	require.NoError(t, err)

	c.Advance(59 * time.Second)
	assert.NotNil(t, s.Retrieve(ctx, "session", ""))

	c.Advance(time.Second)
	assert.Nil(t, s.Retrieve(ctx, "session", ""))
	assert.Equal(t, 0, s.Len(), "expired entry should be evicted")
}

func TestBackendWriteUsesNamespacedKey(t *testing.T) {
	backend := newFakeBackend()
	s := NewStore(Config{Backend: backend})

	_, err := s.Store(context.Background(), "todo-1", "x", StoreOptions{Namespace: "task_coordination"})
	require.NoError(t, err)
	_, err = s.Store(context.Background(), "plain", "y", StoreOptions{})
	require.NoError(t, err)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Contains(t, backend.data, "task_coordination:todo-1")
	require.Contains(t, backend.data, "default:plain")

	var stored Entry
	require.NoError(t, json.Unmarshal(backend.data["task_coordination:todo-1"], &stored))
	assert.Equal(t, "todo-1", stored.Key)
	assert.Equal(t, "task_coordination", stored.Namespace)
}

func TestReadPrefersBackend(t *testing.T) {
	backend := newFakeBackend()
	s := NewStore(Config{Backend: backend})
	ctx := context.Background()

	_, err := s.Store(ctx, "k", "local", StoreOptions{Namespace: "ns"})
	require.NoError(t, err)

	remote, err := json.Marshal(Entry{Key: "k", Namespace: "ns", Value: json.RawMessage(`"remote"`)})
	require.NoError(t, err)
	backend.mu.Lock()
	backend.data["ns:k"] = remote
	backend.mu.Unlock()

	got := s.Retrieve(ctx, "k", "ns")
	require.NotNil(t, got)
	assert.Equal(t, `"remote"`, string(got.Value))
}

func TestReadFallsBackToLocalWhenBackendFails(t *testing.T) {
	backend := newFakeBackend()
	s := NewStore(Config{Backend: backend})
	ctx := context.Background()

	_, err := s.Store(ctx, "k", "local", StoreOptions{Namespace: "ns"})
	require.NoError(t, err)

	backend.mu.Lock()
	backend.retrieveErr = errors.New("read timeout")
	backend.mu.Unlock()

	got := s.Retrieve(ctx, "k", "ns")
	require.NotNil(t, got)
	assert.Equal(t, `"local"`, string(got.Value))
}

func TestBackendWriteFailureIsSwallowed(t *testing.T) {
	backend := newFakeBackend()
	backend.storeFailures = 100
	s := NewStore(Config{Backend: backend, Breaker: BreakerConfig{Failures: 3, Timeout: time.Hour}})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Store(ctx, "k", i, StoreOptions{})
		require.NoError(t, err)
	}

	backend.mu.Lock()
	backend.retrieveErr = errors.New("down")
	backend.mu.Unlock()

	got := s.Retrieve(ctx, "k", "")
	require.NotNil(t, got, "local cache stays authoritative")
	assert.Equal(t, "4", string(got.Value))

	assert.Equal(t, gobreaker.StateOpen, s.BreakerState())
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 3, backend.storeCalls, "open breaker should stop backend calls")
}

func TestBackendWriteRetries(t *testing.T) {
	backend := newFakeBackend()
	backend.storeFailures = 1
	s := NewStore(Config{Backend: backend, Retry: RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond}})

	_, err := s.Store(context.Background(), "k", "v", StoreOptions{Namespace: "ns"})
	require.NoError(t, err)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 2, backend.storeCalls)
	assert.Contains(t, backend.data, "ns:k")
}

func TestQuery(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewStore(Config{Now: c.Now})
	ctx := context.Background()

	store := func(key, ns string, ttl time.Duration, tags ...string) {
		_, err := s.Store(ctx, key, key, StoreOptions{Namespace: ns, Tags: tags, TTL: ttl})
		require.NoError(t, err)
		c.Advance(time.Second)
	}
	store("t1", "task_coordination", 0, "todo", "session-a")
	store("t2", "task_coordination", 0, "todo", "session-b")
	store("t3", "task_coordination", 0, "todo", "session-a", "urgent")
	store("e1", "task_execution", 0, "execution")
	store("gone", "task_coordination", time.Second, "todo", "session-a")
	c.Advance(time.Second)

	keys := func(entries []*Entry) []string {
		var out []string
		for _, e := range entries {
			out = append(out, e.Key)
		}
		return out
	}

	assert.Equal(t, []string{"t1", "t3"}, keys(s.Query(Query{Namespace: "task_coordination", Tags: []string{"todo", "session-a"}})))
	assert.Equal(t, []string{"t3"}, keys(s.Query(Query{Tags: []string{"urgent"}})))
	assert.Equal(t, []string{"e1"}, keys(s.Query(Query{Namespace: "task_execution"})))
	assert.Len(t, s.Query(Query{}), 4)
	assert.Equal(t, 4, s.Len(), "expired entry evicted by query")
}
