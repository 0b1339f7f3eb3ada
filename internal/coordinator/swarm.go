package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/swarmcore/internal/memory"
)

// Topology names a swarm coordination pattern.
type Topology string

const (
	TopologyCentralized  Topology = "centralized"
	TopologyDistributed  Topology = "distributed"
	TopologyHierarchical Topology = "hierarchical"
	TopologyMesh         Topology = "mesh"
	TopologyHybrid       Topology = "hybrid"
)

// Hierarchical team names.
const (
	TeamResearch       = "research"
	TeamImplementation = "implementation"
	TeamQuality        = "quality"
	TeamUnassigned     = "unassigned"
)

// teamMatchers map a team to the substrings that place an agent in it, in
// precedence order.
var teamMatchers = []struct {
	team    string
	matches []string
}{
	{TeamResearch, []string{"research", "analy"}},
	{TeamImplementation, []string{"cod", "develop", "implement", "engineer"}},
	{TeamQuality, []string{"test", "review", "qa", "quality"}},
}

// SwarmAgent is an agent taking part in a swarm.
type SwarmAgent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// SwarmPhase is one stage of a hybrid plan.
type SwarmPhase struct {
	Name     string       `json:"name"`
	Topology Topology     `json:"topology"`
	Layout   *SwarmLayout `json:"layout"`
}

// SwarmLayout is the assignment structure a topology produces. Only the
// fields relevant to the topology are set.
type SwarmLayout struct {
	Coordinators []string            `json:"coordinators,omitempty"`
	Assignments  map[string]string   `json:"assignments,omitempty"` // Agent ID -> coordinator
	Teams        map[string][]string `json:"teams,omitempty"`       // Team -> agent IDs
	Peers        map[string][]string `json:"peers,omitempty"`       // Agent ID -> peer agent IDs
	Phases       []SwarmPhase        `json:"phases,omitempty"`
}

// SwarmRecord is the persisted result of CoordinateSwarm.
type SwarmRecord struct {
	SwarmID   string         `json:"swarmId"`
	SessionID string         `json:"sessionId"`
	Objective string         `json:"objective"`
	Topology  Topology       `json:"topology"`
	Agents    []SwarmAgent   `json:"agents"`
	Layout    *SwarmLayout   `json:"layout"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// CoordinateSwarm records how agents coordinate under topology (centralized
// when empty) and stores the record under swarm_coordination. No messages are
// exchanged between agents.
func (c *Coordinator) CoordinateSwarm(ctx context.Context, objective string, topology Topology, agents []SwarmAgent, swarmCtx map[string]any) (*SwarmRecord, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if topology == "" {
		topology = TopologyCentralized
	}

	swarmID := newID("swarm")
	layout, err := c.layout(swarmID, topology, agents)
	if err != nil {
		return nil, err
	}

	rec := &SwarmRecord{
		SwarmID:   swarmID,
		SessionID: c.cfg.SessionID,
		Objective: objective,
		Topology:  topology,
		Agents:    agents,
		Layout:    layout,
		Context:   swarmCtx,
		CreatedAt: time.Now(),
	}

	opts := memory.StoreOptions{Namespace: NamespaceSwarm, Tags: []string{"swarm", string(topology), c.cfg.SessionID}}
	if err := c.StoreInMemory(ctx, swarmID, rec, opts); err != nil {
		c.log.Warn("failed to record swarm", zap.String("swarm", swarmID), zap.Error(err))
	}

	c.log.Info("swarm coordinated",
		zap.String("swarm", swarmID),
		zap.String("topology", string(topology)),
		zap.Int("agents", len(agents)))
	return rec, nil
}

func (c *Coordinator) layout(swarmID string, topology Topology, agents []SwarmAgent) (*SwarmLayout, error) {
	switch topology {
	case TopologyCentralized:
		return centralizedLayout(swarmID, agents), nil
	case TopologyDistributed:
		return distributedLayout(swarmID, agents, c.cfg.CoordinatorPool), nil
	case TopologyHierarchical:
		return hierarchicalLayout(agents), nil
	case TopologyMesh:
		return meshLayout(agents), nil
	case TopologyHybrid:
		return &SwarmLayout{Phases: []SwarmPhase{
			{Name: "planning", Topology: TopologyCentralized, Layout: centralizedLayout(swarmID, agents)},
			{Name: "execution", Topology: TopologyDistributed, Layout: distributedLayout(swarmID, agents, c.cfg.CoordinatorPool)},
			{Name: "integration", Topology: TopologyHierarchical, Layout: hierarchicalLayout(agents)},
		}}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTopology, topology)
}

func centralizedLayout(swarmID string, agents []SwarmAgent) *SwarmLayout {
	coordinator := "coordinator_" + swarmID
	assignments := make(map[string]string, len(agents))
	for _, a := range agents {
		assignments[a.ID] = coordinator
	}
	return &SwarmLayout{Coordinators: []string{coordinator}, Assignments: assignments}
}

// distributedLayout round-robins agents across a pool of coordinators.
func distributedLayout(swarmID string, agents []SwarmAgent, pool int) *SwarmLayout {
	coordinators := make([]string, pool)
	for i := range coordinators {
		coordinators[i] = fmt.Sprintf("coordinator_%s_%d", swarmID, i)
	}
	assignments := make(map[string]string, len(agents))
	for i, a := range agents {
		assignments[a.ID] = coordinators[i%pool]
	}
	return &SwarmLayout{Coordinators: coordinators, Assignments: assignments}
}

// hierarchicalLayout groups agents into teams by substring match over their
// type and name.
func hierarchicalLayout(agents []SwarmAgent) *SwarmLayout {
	teams := map[string][]string{
		TeamResearch:       {},
		TeamImplementation: {},
		TeamQuality:        {},
		TeamUnassigned:     {},
	}
	for _, a := range agents {
		team := teamFor(a)
		teams[team] = append(teams[team], a.ID)
	}
	return &SwarmLayout{Teams: teams}
}

func teamFor(a SwarmAgent) string {
	label := strings.ToLower(a.Type + " " + a.Name)
	for _, m := range teamMatchers {
		for _, sub := range m.matches {
			if strings.Contains(label, sub) {
				return m.team
			}
		}
	}
	return TeamUnassigned
}

// meshLayout connects every agent to every other agent.
func meshLayout(agents []SwarmAgent) *SwarmLayout {
	peers := make(map[string][]string, len(agents))
	for _, a := range agents {
		list := make([]string, 0, len(agents)-1)
		for _, b := range agents {
			if b.ID != a.ID {
				list = append(list, b.ID)
			}
		}
		peers[a.ID] = list
	}
	return &SwarmLayout{Peers: peers}
}
