package engine

import (
	"fmt"
	"slices"
	"sync"

	"github.com/petrijr/durex/pkg/api"
)

// registry is the routing table of workflow and activity definitions.
// Definitions are keyed by name; each carries the task queue its work is
// routed to.
type registry struct {
	mu           sync.RWMutex
	defaultQueue string
	workflows    map[string]api.WorkflowDefinition
	activities   map[string]api.ActivityDefinition
}

func newRegistry(defaultQueue string) *registry {
	return &registry{
		defaultQueue: defaultQueue,
		workflows:    make(map[string]api.WorkflowDefinition),
		activities:   make(map[string]api.ActivityDefinition),
	}
}

func (r *registry) RegisterWorkflow(def api.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.TaskQueue == "" {
		def.TaskQueue = r.defaultQueue
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[def.Name]; exists {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	r.workflows[def.Name] = def
	return nil
}

func (r *registry) RegisterActivity(def api.ActivityDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[def.Name]; exists {
		return fmt.Errorf("activity %q already registered", def.Name)
	}
	r.activities[def.Name] = def
	return nil
}

func (r *registry) Workflow(name string) (api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.workflows[name]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, name)
	}
	return def, nil
}

func (r *registry) Activity(name string) (api.ActivityDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.activities[name]
	return def, ok
}

// activityQueue routes an activity invocation: an explicit queue wins,
// then the activity's registered queue, then the calling workflow's queue.
func (r *registry) activityQueue(name, explicit, workflowQueue string) string {
	if explicit != "" {
		return explicit
	}
	if def, ok := r.Activity(name); ok && def.TaskQueue != "" {
		return def.TaskQueue
	}
	if workflowQueue != "" {
		return workflowQueue
	}
	return r.defaultQueue
}

// Queues lists every task queue that registered definitions route to.
func (r *registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{r.defaultQueue: true}
	out := []string{r.defaultQueue}
	add := func(q string) {
		if q != "" && !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	for _, def := range r.workflows {
		add(def.TaskQueue)
	}
	for _, def := range r.activities {
		add(def.TaskQueue)
	}
	slices.Sort(out[1:])
	return out
}
