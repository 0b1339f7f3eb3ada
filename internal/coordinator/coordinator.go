// Package coordinator sits on top of the task engine: it decomposes objectives
// into todos, bridges engine lifecycle events into todo progress and execution
// history, and records parallel agent launches, batch operations and swarm
// topologies in memory.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/swarmcore/internal/events"
	"github.com/aristath/swarmcore/internal/logging"
	"github.com/aristath/swarmcore/internal/memory"
	"github.com/aristath/swarmcore/internal/scheduler"
)

var (
	// ErrTodoNotFound is returned for operations on an unknown todo ID.
	ErrTodoNotFound = errors.New("todo not found")
	// ErrUnknownTopology is returned by CoordinateSwarm for an unsupported topology.
	ErrUnknownTopology = errors.New("unknown swarm topology")
	// ErrTodoFailed is returned by AwaitTodos when a todo's backing task
	// failed with no retry left.
	ErrTodoFailed = errors.New("todo failed")
	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("coordinator closed")
)

// Memory namespaces written by the coordinator.
const (
	NamespaceTasks  = "task_coordination"
	NamespaceExec   = "task_execution"
	NamespaceAgents = "agent_coordination"
	NamespaceBatch  = "batch_operations"
	NamespaceSwarm  = "swarm_coordination"
)

// TaskCreator is the part of the task engine the coordinator drives.
type TaskCreator interface {
	CreateTask(data scheduler.Task) (*scheduler.Task, error)
}

// Config configures a Coordinator.
type Config struct {
	Engine             TaskCreator
	Memory             *memory.Store // Defaults to a local-only store
	Bus                *events.EventBus
	SessionID          string // Defaults to a generated ID
	MemoryCoordination bool   // Mirror todos into memory
	CoordinatorPool    int    // Coordinators used by the distributed topology (default 3)
	MaxParallel        int    // Concurrent agent launches and batch operations (default 8)
	Launcher           AgentLauncher
	Logger             *zap.Logger
}

// Coordinator owns todos and coordination records. It is safe for concurrent use.
type Coordinator struct {
	cfg      Config
	log      *zap.Logger
	engine   TaskCreator
	mem      *memory.Store
	bus      *events.EventBus
	launcher AgentLauncher
	tmpl     templateSet

	mu       sync.Mutex
	todos    map[string]*TodoItem
	order    []string
	failures map[string]string // todo ID -> error of its finally failed backing task
	handlers map[string]BatchHandler
	notify   chan struct{}
	closed   bool

	unsubscribe func()
}

// New creates a Coordinator and, when a bus is configured, subscribes it to
// the engine's lifecycle events.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("coordinator: engine is required")
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	if cfg.Memory == nil {
		cfg.Memory = memory.NewStore(memory.Config{Logger: cfg.Logger})
	}
	if cfg.SessionID == "" {
		cfg.SessionID = newID("session")
	}
	if cfg.CoordinatorPool <= 0 {
		cfg.CoordinatorPool = 3
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	if cfg.Launcher == nil {
		cfg.Launcher = recordingLauncher{}
	}

	tmpl, err := parseTemplates(templatesYAML)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:      cfg,
		log:      cfg.Logger.Named("coordinator"),
		engine:   cfg.Engine,
		mem:      cfg.Memory,
		bus:      cfg.Bus,
		launcher: cfg.Launcher,
		tmpl:     tmpl,
		todos:    make(map[string]*TodoItem),
		failures: make(map[string]string),
		handlers: make(map[string]BatchHandler),
		notify:   make(chan struct{}),
	}
	c.registerBuiltinHandlers()

	if c.bus != nil {
		c.unsubscribe = c.bus.SubscribeFunc(c.handleEvent, events.TaskTopics...)
	}
	return c, nil
}

// SessionID returns the session todos are recorded under.
func (c *Coordinator) SessionID() string {
	return c.cfg.SessionID
}

// Memory exposes the coordinator's memory store.
func (c *Coordinator) Memory() *memory.Store {
	return c.mem
}

// Close unsubscribes from engine events. Events already delivered are still
// handled.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.changedLocked()
	c.mu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// StoreInMemory writes value under key and publishes memory:stored. Backend
// failures are logged by the store and never returned.
func (c *Coordinator) StoreInMemory(ctx context.Context, key string, value any, opts memory.StoreOptions) error {
	entry, err := c.mem.Store(ctx, key, value, opts)
	if err != nil {
		return err
	}
	c.publish(events.MemoryStoredEvent{Key: entry.Key, Namespace: entry.Namespace, Timestamp: entry.Timestamp})
	return nil
}

// RetrieveFromMemory decodes the value stored under key into out and reports
// whether it was found.
func (c *Coordinator) RetrieveFromMemory(ctx context.Context, key, namespace string, out any) (bool, error) {
	return c.mem.Decode(ctx, key, namespace, out)
}

// QueryMemory lists local memory entries matching q.
func (c *Coordinator) QueryMemory(q memory.Query) []*memory.Entry {
	return c.mem.Query(q)
}

func (c *Coordinator) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev.EventType(), ev)
	}
}

// changedLocked wakes AwaitTodos callers.
func (c *Coordinator) changedLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// persistContext bounds a best-effort memory write issued from a background path.
func persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
