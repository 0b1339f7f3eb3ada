package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/swarmcore/internal/events"
)

func TestLaunchParallelAgentsPartialFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := testContext(t)
	log := collect(env.bus, events.TopicAgentsLaunched)

	batch, err := env.coord.LaunchParallelAgents(ctx, []AgentSpec{
		{TaskID: "t1", AgentType: "coder", Objective: "write the parser"},
		{TaskID: "t2", Objective: "missing type"},
		{AgentType: "tester"},
	})
	require.NoError(t, err)

	require.Len(t, batch.Agents, 1)
	agent := batch.Agents[0]
	assert.Equal(t, "t1", agent.TaskID)
	assert.Equal(t, "launched", agent.Status)
	assert.True(t, strings.HasPrefix(agent.AgentID, "agent_coder_"))

	assert.Equal(t, map[string]string{
		"t2":     "agent type is required",
		"task_2": "objective is required",
	}, batch.Errors)

	var stored AgentBatch
	found, err := env.coord.RetrieveFromMemory(ctx, batch.BatchID, NamespaceAgents, &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, stored.Agents, 1)
	assert.Equal(t, "session-test", stored.SessionID)

	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	ev := log.snapshot()[0].(events.AgentsLaunchedEvent)
	assert.Equal(t, []string{agent.AgentID}, ev.AgentIDs)
	assert.Equal(t, 2, ev.Failed)
}

func TestLaunchParallelAgentsLauncherErrors(t *testing.T) {
	launcher := AgentLauncherFunc(func(_ context.Context, spec AgentSpec) (string, error) {
		if spec.AgentType == "broken" {
			return "", errors.New("no capacity")
		}
		return "agent-" + spec.TaskID, nil
	})
	env := newTestEnv(t, func(cfg *Config) { cfg.Launcher = launcher })

	batch, err := env.coord.LaunchParallelAgents(testContext(t), []AgentSpec{
		{TaskID: "a", AgentType: "coder", Objective: "x"},
		{TaskID: "b", AgentType: "broken", Objective: "y"},
		{TaskID: "c", AgentType: "reviewer", Objective: "z"},
	})
	require.NoError(t, err)

	var ids []string
	for _, a := range batch.Agents {
		ids = append(ids, a.AgentID)
	}
	assert.Equal(t, []string{"agent-a", "agent-c"}, ids, "agents keep input order")
	assert.Equal(t, "launch broken agent: no capacity", batch.Errors["b"])
}

func TestLaunchParallelAgentsLauncherPanic(t *testing.T) {
	launcher := AgentLauncherFunc(func(_ context.Context, spec AgentSpec) (string, error) {
		if spec.AgentType == "unstable" {
			panic("launcher crashed")
		}
		return "agent-" + spec.TaskID, nil
	})
	env := newTestEnv(t, func(cfg *Config) { cfg.Launcher = launcher })

	batch, err := env.coord.LaunchParallelAgents(testContext(t), []AgentSpec{
		{TaskID: "a", AgentType: "coder", Objective: "x"},
		{TaskID: "b", AgentType: "unstable", Objective: "y"},
	})
	require.NoError(t, err)

	require.Len(t, batch.Agents, 1)
	assert.Equal(t, "agent-a", batch.Agents[0].AgentID)
	assert.Equal(t, "launch unstable agent: launcher panicked: launcher crashed", batch.Errors["b"])
}

func TestLaunchParallelAgentsBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	launcher := AgentLauncherFunc(func(_ context.Context, spec AgentSpec) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return spec.TaskID, nil
	})
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Launcher = launcher
		cfg.MaxParallel = 2
	})

	specs := make([]AgentSpec, 8)
	for i := range specs {
		specs[i] = AgentSpec{AgentType: "coder", Objective: "x"}
	}
	batch, err := env.coord.LaunchParallelAgents(testContext(t), specs)
	require.NoError(t, err)

	assert.Len(t, batch.Agents, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestLaunchParallelAgentsAfterClose(t *testing.T) {
	env := newTestEnv(t, nil)
	env.coord.Close()

	_, err := env.coord.LaunchParallelAgents(testContext(t), []AgentSpec{{AgentType: "coder", Objective: "x"}})
	assert.ErrorIs(t, err, ErrClosed)
}
