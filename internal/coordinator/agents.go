package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/swarmcore/internal/events"
	"github.com/aristath/swarmcore/internal/memory"
)

// AgentSpec describes one agent to launch for a task.
type AgentSpec struct {
	TaskID       string         `json:"taskId"`
	AgentType    string         `json:"agentType"`
	Objective    string         `json:"objective"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Priority     TodoPriority   `json:"priority,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// key identifies the spec in a batch's error map.
func (s AgentSpec) key(i int) string {
	if s.TaskID != "" {
		return s.TaskID
	}
	return fmt.Sprintf("task_%d", i)
}

// AgentLauncher starts an agent for spec and returns its ID.
type AgentLauncher interface {
	Launch(ctx context.Context, spec AgentSpec) (string, error)
}

// AgentLauncherFunc adapts a function to AgentLauncher.
type AgentLauncherFunc func(ctx context.Context, spec AgentSpec) (string, error)

func (f AgentLauncherFunc) Launch(ctx context.Context, spec AgentSpec) (string, error) {
	return f(ctx, spec)
}

// recordingLauncher only allocates agent IDs; no process is started.
type recordingLauncher struct{}

func (recordingLauncher) Launch(_ context.Context, spec AgentSpec) (string, error) {
	return newID("agent_" + spec.AgentType), nil
}

var (
	errMissingAgentType = errors.New("agent type is required")
	errMissingObjective = errors.New("objective is required")
)

// LaunchedAgent is one successful launch.
type LaunchedAgent struct {
	AgentID    string    `json:"agentId"`
	TaskID     string    `json:"taskId"`
	AgentType  string    `json:"agentType"`
	Objective  string    `json:"objective"`
	Status     string    `json:"status"`
	LaunchedAt time.Time `json:"launchedAt"`
}

// AgentBatch records a parallel launch. Partial failure is normal: failed
// specs appear in Errors, keyed by task.
type AgentBatch struct {
	BatchID    string            `json:"batchId"`
	SessionID  string            `json:"sessionId"`
	Agents     []LaunchedAgent   `json:"agents"`
	Errors     map[string]string `json:"errors"`
	LaunchedAt time.Time         `json:"launchedAt"`
}

// LaunchParallelAgents launches one agent per spec concurrently. A failed
// launch never aborts its siblings. The batch record is stored under
// agent_coordination.
func (c *Coordinator) LaunchParallelAgents(ctx context.Context, specs []AgentSpec) (*AgentBatch, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	batch := &AgentBatch{
		BatchID:    newID("batch"),
		SessionID:  c.cfg.SessionID,
		Errors:     make(map[string]string),
		LaunchedAt: time.Now(),
	}

	launched := make([]*LaunchedAgent, len(specs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxParallel)
	for i, spec := range specs {
		g.Go(func() error {
			agent, err := c.launchOne(gctx, spec)
			if err != nil {
				mu.Lock()
				batch.Errors[spec.key(i)] = err.Error()
				mu.Unlock()
				return nil // Return nil to not abort errgroup
			}
			launched[i] = agent
			return nil
		})
	}
	_ = g.Wait()

	var ids []string
	for _, agent := range launched {
		if agent != nil {
			batch.Agents = append(batch.Agents, *agent)
			ids = append(ids, agent.AgentID)
		}
	}

	opts := memory.StoreOptions{Namespace: NamespaceAgents, Tags: []string{"agents", "batch", c.cfg.SessionID}}
	if err := c.StoreInMemory(ctx, batch.BatchID, batch, opts); err != nil {
		c.log.Warn("failed to record agent batch", zap.String("batch", batch.BatchID), zap.Error(err))
	}

	c.publish(events.AgentsLaunchedEvent{BatchID: batch.BatchID, AgentIDs: ids, Failed: len(batch.Errors), Timestamp: time.Now()})
	c.log.Info("agents launched",
		zap.String("batch", batch.BatchID),
		zap.Int("launched", len(batch.Agents)),
		zap.Int("failed", len(batch.Errors)))
	return batch, nil
}

func (c *Coordinator) launchOne(ctx context.Context, spec AgentSpec) (*LaunchedAgent, error) {
	switch {
	case spec.AgentType == "":
		return nil, errMissingAgentType
	case spec.Objective == "":
		return nil, errMissingObjective
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	agentID, err := launch(ctx, c.launcher, spec)
	if err != nil {
		return nil, fmt.Errorf("launch %s agent: %w", spec.AgentType, err)
	}

	return &LaunchedAgent{
		AgentID:    agentID,
		TaskID:     spec.TaskID,
		AgentType:  spec.AgentType,
		Objective:  spec.Objective,
		Status:     "launched",
		LaunchedAt: time.Now(),
	}, nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// launch converts a launcher panic into a launch error.
func launch(ctx context.Context, l AgentLauncher, spec AgentSpec) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("launcher panicked: %v", r)
		}
	}()
	return l.Launch(ctx, spec)
}
