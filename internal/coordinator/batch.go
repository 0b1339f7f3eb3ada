package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/swarmcore/internal/events"
	"github.com/aristath/swarmcore/internal/memory"
)

// BatchOperation is one unit of a coordinated batch.
type BatchOperation struct {
	Type    string         `json:"type"`
	Targets []string       `json:"targets"`
	Params  map[string]any `json:"params,omitempty"`
}

// resultKey is the key an operation's outcome is reported under.
func (op BatchOperation) resultKey() string {
	return op.Type + "_" + strings.Join(op.Targets, ",")
}

// BatchHandler executes one operation of its registered type.
type BatchHandler func(ctx context.Context, op BatchOperation) (any, error)

// OperationResult is the outcome of one operation.
type OperationResult struct {
	Type    string   `json:"type"`
	Targets []string `json:"targets"`
	Result  any      `json:"result,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// BatchReport records a coordinated batch.
type BatchReport struct {
	BatchID     string                     `json:"batchId"`
	Groups      map[string]int             `json:"groups"` // Operations per type
	Results     map[string]OperationResult `json:"results"`
	Errors      int                        `json:"errors"`
	StartedAt   time.Time                  `json:"startedAt"`
	CompletedAt time.Time                  `json:"completedAt"`
}

// RegisterBatchHandler installs or replaces the handler for an operation type.
func (c *Coordinator) RegisterBatchHandler(opType string, h BatchHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[opType] = h
}

// CoordinateBatchOperations groups operations by type and runs every group
// concurrently. Each operation resolves on its own: a failure is recorded in
// its result and never cancels the others. Results are keyed by type and
// target list.
func (c *Coordinator) CoordinateBatchOperations(ctx context.Context, ops []BatchOperation) (*BatchReport, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	report := &BatchReport{
		BatchID:   newID("batch"),
		Groups:    make(map[string]int),
		Results:   make(map[string]OperationResult, len(ops)),
		StartedAt: time.Now(),
	}

	groups := make(map[string][]BatchOperation)
	for _, op := range ops {
		groups[op.Type] = append(groups[op.Type], op)
	}
	types := make([]string, 0, len(groups))
	for t := range groups {
		types = append(types, t)
		report.Groups[t] = len(groups[t])
	}
	sort.Strings(types)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxParallel)
	for _, opType := range types {
		handler := c.handler(opType)
		for _, op := range groups[opType] {
			g.Go(func() error {
				res := OperationResult{Type: op.Type, Targets: op.Targets}
				if handler == nil {
					res.Error = fmt.Sprintf("no handler for operation type %q", op.Type)
				} else if out, err := runOperation(gctx, handler, op); err != nil {
					res.Error = err.Error()
				} else {
					res.Result = out
				}

				mu.Lock()
				report.Results[op.resultKey()] = res
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	for _, res := range report.Results {
		if res.Error != "" {
			report.Errors++
		}
	}
	report.CompletedAt = time.Now()

	opts := memory.StoreOptions{Namespace: NamespaceBatch, Tags: []string{"batch", c.cfg.SessionID}}
	if err := c.StoreInMemory(ctx, report.BatchID, report, opts); err != nil {
		c.log.Warn("failed to record batch", zap.String("batch", report.BatchID), zap.Error(err))
	}

	c.publish(events.BatchCompletedEvent{BatchID: report.BatchID, Operations: len(ops), Errors: report.Errors, Timestamp: report.CompletedAt})
	return report, nil
}

func (c *Coordinator) handler(opType string) BatchHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[opType]
}

// runOperation converts a handler panic into an operation error.
func runOperation(ctx context.Context, h BatchHandler, op BatchOperation) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", op.Type, r)
		}
	}()
	return h(ctx, op)
}

func (c *Coordinator) registerBuiltinHandlers() {
	c.handlers["memory_store"] = c.batchMemoryStore
	c.handlers["memory_retrieve"] = c.batchMemoryRetrieve
	c.handlers["memory_query"] = c.batchMemoryQuery
}

// batchMemoryStore stores params.value under every target key in
// params.namespace.
func (c *Coordinator) batchMemoryStore(ctx context.Context, op BatchOperation) (any, error) {
	value, ok := op.Params["value"]
	if !ok {
		return nil, fmt.Errorf("memory_store: missing value param")
	}
	ns, _ := op.Params["namespace"].(string)
	tags := stringList(op.Params["tags"])

	for _, key := range op.Targets {
		if err := c.StoreInMemory(ctx, key, value, memory.StoreOptions{Namespace: ns, Tags: tags}); err != nil {
			return nil, err
		}
	}
	return map[string]any{"stored": len(op.Targets)}, nil
}

// batchMemoryRetrieve returns the raw value of every target key in
// params.namespace; absent keys map to nil.
func (c *Coordinator) batchMemoryRetrieve(ctx context.Context, op BatchOperation) (any, error) {
	ns, _ := op.Params["namespace"].(string)

	out := make(map[string]json.RawMessage, len(op.Targets))
	for _, key := range op.Targets {
		if entry := c.mem.Retrieve(ctx, key, ns); entry != nil {
			out[key] = entry.Value
		} else {
			out[key] = nil
		}
	}
	return out, nil
}

// batchMemoryQuery lists the keys in params.namespace carrying every target
// as a tag.
func (c *Coordinator) batchMemoryQuery(_ context.Context, op BatchOperation) (any, error) {
	ns, _ := op.Params["namespace"].(string)

	var keys []string
	for _, e := range c.mem.Query(memory.Query{Namespace: ns, Tags: op.Targets}) {
		keys = append(keys, e.Key)
	}
	return keys, nil
}

func stringList(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
