package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/swarmcore/internal/events"
	"github.com/aristath/swarmcore/internal/scheduler"
)

type testEnv struct {
	coord  *Coordinator
	engine *scheduler.Engine
	bus    *events.EventBus
}

// newTestEnv wires a coordinator to a fast engine over a shared bus.
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWithWorker(t, nil, mutate)
}

func newTestEnvWithWorker(t *testing.T, worker scheduler.Worker, mutate func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWithEngine(t, scheduler.Config{Worker: worker}, mutate)
}

// newTestEnvWithEngine fills in the fast step settings and the bus on ecfg.
func newTestEnvWithEngine(t *testing.T, ecfg scheduler.Config, mutate func(*Config)) *testEnv {
	t.Helper()

	bus := events.NewEventBus()
	ecfg.MaxConcurrent = 4
	ecfg.StepCount = 2
	ecfg.StepInterval = time.Millisecond
	ecfg.Bus = bus
	engine := scheduler.NewEngine(ecfg)

	cfg := Config{
		Engine:             engine,
		Bus:                bus,
		SessionID:          "session-test",
		MemoryCoordination: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	coord, err := New(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		coord.Close()
		engine.Close()
		bus.Close()
	})
	return &testEnv{coord: coord, engine: engine, bus: bus}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// eventLog collects every event published on the given topics.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func collect(bus *events.EventBus, topics ...string) *eventLog {
	l := &eventLog{}
	bus.SubscribeFunc(func(ev events.Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	}, topics...)
	return l
}

func (l *eventLog) snapshot() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.events...)
}
