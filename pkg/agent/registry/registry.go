// Package registry tracks dispatched tasks and their lifecycle. Statuses
// move queued -> running -> completed|failed; end_all clears the table.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Truncation budgets for emitted task results.
const (
	MaxSummaryLen = 500
	MaxDetailLen  = 1500
	MaxErrorLen   = 500
)

type Task struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Status      Status         `json:"status"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Result is the structured emission sent back to the conversation layer when
// a task finishes. Fields are truncated to their budgets.
type Result struct {
	TaskID  string `json:"task_id"`
	Kind    string `json:"kind"`
	Success bool   `json:"success"`
	Summary string `json:"summary"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
	clock func() time.Time
}

func New() *Registry {
	return &Registry{tasks: make(map[string]*Task), clock: time.Now}
}

// Create registers a new queued task and returns its id.
func (r *Registry) Create(kind, description string, params map[string]any) string {
	id := uuid.NewString()
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[id] = &Task{
		ID:          id,
		Kind:        kind,
		Status:      StatusQueued,
		Description: description,
		Params:      params,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id
}

var errUnknownTask = fmt.Errorf("registry: unknown task")

func (r *Registry) transition(id string, from []Status, to Status, mutate func(*Task)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownTask, id)
	}
	allowed := false
	for _, s := range from {
		if t.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("registry: task %s is %s, cannot move to %s", id, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = r.clock()
	if mutate != nil {
		mutate(t)
	}
	return nil
}

func (r *Registry) SetRunning(id string) error {
	return r.transition(id, []Status{StatusQueued}, StatusRunning, nil)
}

func (r *Registry) Complete(id, result string) error {
	return r.transition(id, []Status{StatusQueued, StatusRunning}, StatusCompleted, func(t *Task) {
		t.Result = Truncate(result, MaxDetailLen)
	})
}

func (r *Registry) Fail(id, errMsg string) error {
	return r.transition(id, []Status{StatusQueued, StatusRunning}, StatusFailed, func(t *Task) {
		t.Error = Truncate(errMsg, MaxErrorLen)
	})
}

// Get returns a copy of the task.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns all tasks, newest first.
func (r *Registry) List() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ActiveDescriptions returns descriptions of queued and running tasks, used
// by the duplicate-task judge.
func (r *Registry) ActiveDescriptions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.tasks {
		if t.Status == StatusQueued || t.Status == StatusRunning {
			out = append(out, t.Description)
		}
	}
	sort.Strings(out)
	return out
}

// Clear removes every task. Used by the end_all admin command.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.tasks)
	r.tasks = make(map[string]*Task)
	return n
}

// ResultFor builds the truncated structured emission for a finished task.
func (r *Registry) ResultFor(id string) (Result, bool) {
	t, ok := r.Get(id)
	if !ok {
		return Result{}, false
	}
	return Result{
		TaskID:  t.ID,
		Kind:    t.Kind,
		Success: t.Status == StatusCompleted,
		Summary: Truncate(t.Description, MaxSummaryLen),
		Detail:  Truncate(t.Result, MaxDetailLen),
		Error:   Truncate(t.Error, MaxErrorLen),
	}, true
}

// Truncate cuts s to at most max runes, appending an ellipsis marker when cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "...(truncated)"
}
