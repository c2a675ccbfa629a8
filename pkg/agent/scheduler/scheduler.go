// Package scheduler drains queued desktop-automation tasks one at a time.
// GUI automation owns the user's screen while it runs, so the slot is
// strictly single occupancy: a second task waits until the first finishes.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zyumo777/N.E.K.O/pkg/agent/registry"
)

const defaultPollInterval = 50 * time.Millisecond

// Runner executes one task and returns its result detail.
type Runner func(ctx context.Context, task registry.Task) (string, error)

type Config struct {
	Registry *registry.Registry
	Runner   Runner
	// PollInterval is how often the loop checks for queued work.
	PollInterval time.Duration
	// OnResult, when set, is called after a task completes so the outcome
	// can be reported back to the companion, e.g. for spoken delivery.
	OnResult func(task registry.Task, detail string)
	Logger   *logrus.Logger
}

type Scheduler struct {
	reg      *registry.Registry
	run      Runner
	interval time.Duration
	onResult func(task registry.Task, detail string)
	log      *logrus.Logger

	mu    sync.Mutex
	queue []string
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("scheduler: registry is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("scheduler: runner is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Scheduler{
		reg:      cfg.Registry,
		run:      cfg.Runner,
		interval: cfg.PollInterval,
		onResult: cfg.OnResult,
		log:      cfg.Logger,
	}, nil
}

// Enqueue appends a task id to the work queue. The task must already exist
// in the registry; ids are deduplicated against pending entries.
func (s *Scheduler) Enqueue(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.queue {
		if id == taskID {
			return
		}
	}
	s.queue = append(s.queue, taskID)
}

// Pending reports the number of tasks waiting for the slot.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	return id, true
}

// Run polls the queue until ctx is canceled. Task failures are recorded in
// the registry and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		id, ok := s.pop()
		if !ok {
			continue
		}
		s.execute(ctx, id)
	}
}

func (s *Scheduler) execute(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("task_id", id).Errorf("task runner panicked: %v", r)
			_ = s.reg.Fail(id, fmt.Sprintf("runner panic: %v", r))
		}
	}()

	task, ok := s.reg.Get(id)
	if !ok {
		s.log.WithField("task_id", id).Warn("queued task vanished from registry")
		return
	}
	if task.Status != registry.StatusQueued {
		// Canceled or already handled elsewhere.
		return
	}
	if err := s.reg.SetRunning(id); err != nil {
		s.log.WithError(err).WithField("task_id", id).Warn("task not runnable")
		return
	}

	s.log.WithFields(logrus.Fields{
		"task_id": id,
		"kind":    task.Kind,
	}).Info("task started")

	detail, err := s.run(ctx, task)
	if err != nil {
		s.log.WithError(err).WithField("task_id", id).Warn("task failed")
		_ = s.reg.Fail(id, err.Error())
		return
	}
	_ = s.reg.Complete(id, detail)
	s.log.WithField("task_id", id).Info("task completed")
	if s.onResult != nil {
		s.onResult(task, detail)
	}
}
