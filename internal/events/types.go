package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants. Each event is published on the topic equal to its EventType.
const (
	TopicTaskCreated    = "task:created"
	TopicTaskQueued     = "task:queued"
	TopicTaskStarted    = "task:started"
	TopicTaskCompleted  = "task:completed"
	TopicTaskFailed     = "task:failed"
	TopicTaskCancelled  = "task:cancelled"
	TopicTodosCreated   = "todos:created"
	TopicTodoUpdated    = "todo:updated"
	TopicMemoryStored   = "memory:stored"
	TopicAgentsLaunched = "agents:launched"
	TopicBatchCompleted = "batch:completed"
)

// TaskTopics lists every engine lifecycle topic.
var TaskTopics = []string{
	TopicTaskCreated,
	TopicTaskQueued,
	TopicTaskStarted,
	TopicTaskCompleted,
	TopicTaskFailed,
	TopicTaskCancelled,
}

// TaskEvent is published by the task engine on every lifecycle transition.
// Topic is one of the task:* topics.
type TaskEvent struct {
	Topic     string
	ID        string
	Type      string
	Status    string
	AgentID   string
	Metadata  map[string]any
	Result    any
	Err       error
	Reason    string
	Duration  time.Duration
	Final     bool // task:failed only, set when no retry follows
	Timestamp time.Time
}

func (e TaskEvent) EventType() string { return e.Topic }
func (e TaskEvent) TaskID() string    { return e.ID }

// TodosCreatedEvent is published when a batch of todos is generated.
type TodosCreatedEvent struct {
	SessionID string
	BatchID   string
	TodoIDs   []string
	Timestamp time.Time
}

func (e TodosCreatedEvent) EventType() string { return TopicTodosCreated }
func (e TodosCreatedEvent) TaskID() string    { return "" }

// TodoUpdatedEvent is published when a todo changes status.
type TodoUpdatedEvent struct {
	TodoID    string
	OldStatus string
	NewStatus string
	BackingID string
	Timestamp time.Time
}

func (e TodoUpdatedEvent) EventType() string { return TopicTodoUpdated }
func (e TodoUpdatedEvent) TaskID() string    { return e.BackingID }

// MemoryStoredEvent is published after a memory write.
type MemoryStoredEvent struct {
	Key       string
	Namespace string
	Timestamp time.Time
}

func (e MemoryStoredEvent) EventType() string { return TopicMemoryStored }
func (e MemoryStoredEvent) TaskID() string    { return "" }

// AgentsLaunchedEvent is published after a parallel agent launch.
type AgentsLaunchedEvent struct {
	BatchID   string
	AgentIDs  []string
	Failed    int
	Timestamp time.Time
}

func (e AgentsLaunchedEvent) EventType() string { return TopicAgentsLaunched }
func (e AgentsLaunchedEvent) TaskID() string    { return "" }

// BatchCompletedEvent is published after a batch of operations resolves.
type BatchCompletedEvent struct {
	BatchID    string
	Operations int
	Errors     int
	Timestamp  time.Time
}

func (e BatchCompletedEvent) EventType() string { return TopicBatchCompleted }
func (e BatchCompletedEvent) TaskID() string    { return "" }
