package drivesync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkerFunc executes one task. Returning nil from a one-shot task's worker
// must be preceded by deleting the task, or the scheduler will run it again
// next tick.
type WorkerFunc func(ctx context.Context, task Task) error

// Scheduler polls the task store and dispatches due tasks to registered
// workers. Recurring tasks (those with an update interval) run when the
// interval has elapsed since their last recorded success; interval-less tasks
// run every tick until their worker removes them.
type Scheduler struct {
	store  TaskStore
	logger Logger

	mu      sync.Mutex
	workers map[string]WorkerFunc

	tagFilter     []string
	workerTimeout time.Duration

	now   func() time.Time
	newID func() string
}

func NewScheduler(store TaskStore, logger Logger) *Scheduler {
	return &Scheduler{
		store:         store,
		logger:        logger,
		workers:       map[string]WorkerFunc{},
		tagFilter:     []string{TagQueue},
		workerTimeout: 5 * time.Minute,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// RegisterWorker binds a worker to a task name. Re-registering the same name
// replaces the previous worker.
func (s *Scheduler) RegisterWorker(name string, worker WorkerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[name] = worker
}

func (s *Scheduler) worker(name string) (WorkerFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	worker, ok := s.workers[name]
	return worker, ok
}

// CreateTaskIfAbsent seeds a named task exactly once. Used for the recurring
// system tasks registered at startup.
func (s *Scheduler) CreateTaskIfAbsent(ctx context.Context, name string, tags []string, metadata map[string]any) error {
	_, err := s.store.GetTaskByName(ctx, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	if len(tags) == 0 {
		tags = []string{TagQueue}
	}
	return s.store.CreateTask(ctx, Task{
		ID:       s.newID(),
		Name:     name,
		Tags:     tags,
		Metadata: cloneMetadata(metadata),
	})
}

// Tick runs one scheduling pass. Worker failures are logged and leave the
// task untouched so it is retried on a later tick.
func (s *Scheduler) Tick(ctx context.Context) {
	tasks, err := s.store.ListTasks(ctx, s.tagFilter)
	if err != nil {
		s.logger.Printf("scheduler: list tasks: %v", err)
		return
	}
	now := s.now()
	for _, task := range tasks {
		if !s.due(task, now) {
			continue
		}
		s.run(ctx, task)
	}
}

func (s *Scheduler) due(task Task, now time.Time) bool {
	interval, ok := task.UpdateInterval()
	if !ok {
		return true
	}
	last, ok := task.UpdatedAt()
	if !ok {
		return true
	}
	return !now.Before(last.Add(interval))
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	worker, ok := s.worker(task.Name)
	if !ok {
		s.logger.Printf("scheduler: task %s (%s): no worker registered", task.Name, task.ID)
		return
	}
	runCtx := ctx
	if s.workerTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.workerTimeout)
		defer cancel()
	}
	if err := worker(runCtx, task.clone()); err != nil {
		s.logger.Printf("scheduler: task %s (%s): %v", task.Name, task.ID, err)
		return
	}
	if _, recurring := task.UpdateInterval(); !recurring {
		return
	}
	metadata := cloneMetadata(task.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata[MetaUpdatedAt] = s.now().UTC().Format(time.RFC3339Nano)
	if err := s.store.UpdateTaskMetadata(ctx, task.ID, metadata); err != nil {
		s.logger.Printf("scheduler: task %s (%s): record success: %v", task.Name, task.ID, err)
	}
}

// Run ticks at the given interval until the context is canceled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
