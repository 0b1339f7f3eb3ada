package scheduler

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// Resource is a lockable record. Locking is advisory bookkeeping inside one
// process: acquisition never blocks, it either succeeds or fails.
type Resource struct {
	ID       string     `json:"id"`
	Locked   bool       `json:"locked"`
	LockedBy string     `json:"lockedBy,omitempty"`
	LockedAt *time.Time `json:"lockedAt,omitempty"`
	Holders  []string   `json:"holders,omitempty"` // Every task currently holding the resource
}

// ResourceRegistry holds registered resources and which tasks hold them.
type ResourceRegistry struct {
	mu        sync.Mutex
	resources map[string]*Resource
	held      map[string][]string // taskID -> resource IDs it holds
}

// NewResourceRegistry creates an empty registry.
func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{
		resources: make(map[string]*Resource),
		held:      make(map[string][]string),
	}
}

// Register adds an unlocked resource. Registering an existing ID is an error.
func (r *ResourceRegistry) Register(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.resources[id]; exists {
		return fmt.Errorf("resource %q already registered", id)
	}
	r.resources[id] = &Resource{ID: id}
	return nil
}

// Get returns a copy of the resource.
func (r *ResourceRegistry) Get(id string) (Resource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resources[id]
	if !ok {
		return Resource{}, false
	}
	return cloneResource(res), true
}

// List returns copies of every resource sorted by ID.
func (r *ResourceRegistry) List() []Resource {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, cloneResource(res))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AcquireAll acquires every requirement for taskID as one set, or nothing.
// It fails if a resource is missing, or if it is already locked and the
// requirement is exclusive. A shared requirement never blocks.
func (r *ResourceRegistry) AcquireAll(taskID string, reqs []ResourceRequirement) bool {
	if len(reqs) == 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, req := range reqs {
		res, ok := r.resources[req.ResourceID]
		if !ok {
			return false
		}
		if req.Exclusive && res.Locked && !slices.Contains(res.Holders, taskID) {
			return false
		}
	}

	// Acquire in sorted order so LockedBy assignment is deterministic
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		if !slices.Contains(ids, req.ResourceID) {
			ids = append(ids, req.ResourceID)
		}
	}
	sort.Strings(ids)

	now := time.Now()
	for _, id := range ids {
		res := r.resources[id]
		if slices.Contains(res.Holders, taskID) {
			continue
		}
		res.Holders = append(res.Holders, taskID)
		if !res.Locked {
			res.Locked = true
			res.LockedBy = taskID
			res.LockedAt = &now
		}
		r.held[taskID] = append(r.held[taskID], id)
	}
	return true
}

// ReleaseAll releases every resource held by taskID. A resource unlocks once
// its last holder releases it. Safe to call for tasks holding nothing.
func (r *ResourceRegistry) ReleaseAll(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.held[taskID] {
		res, ok := r.resources[id]
		if !ok {
			continue
		}
		res.Holders = slices.DeleteFunc(res.Holders, func(h string) bool { return h == taskID })
		if len(res.Holders) == 0 {
			res.Locked = false
			res.LockedBy = ""
			res.LockedAt = nil
			res.Holders = nil
		} else if res.LockedBy == taskID {
			res.LockedBy = res.Holders[0]
		}
	}
	delete(r.held, taskID)
}

// Holds reports whether taskID currently holds resource id.
func (r *ResourceRegistry) Holds(taskID, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.held[taskID], id)
}

func cloneResource(res *Resource) Resource {
	cp := *res
	cp.Holders = slices.Clone(res.Holders)
	if res.LockedAt != nil {
		t := *res.LockedAt
		cp.LockedAt = &t
	}
	return cp
}
