package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"adlaunch/config"

	"go.uber.org/zap"
)

// Runner drives one task to a terminal state. It owns releasing the task's
// registry entry and its upload workspace.
type Runner interface {
	Run(ctx context.Context, t *Task) Outcome
}

type Manager struct {
	cfg            *config.Config
	registry       *Registry
	runner         Runner
	log            *zap.Logger
	mu             sync.RWMutex
	tasks          map[string]*Task
	taskQueue      chan *Task
	concurrencySem chan struct{}
	wg             sync.WaitGroup
}

// NewManager builds a Manager running at most cfg.MaxConcurrentTasks tasks
// at once. Zero slots pause the queue: tasks are accepted and can be
// canceled but never start. config.Load rejects that setting.
func NewManager(cfg *config.Config, registry *Registry, runner Runner, logger *zap.Logger) (*Manager, error) {
	if cfg.MaxConcurrentTasks < 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_TASKS must not be negative, got %d", cfg.MaxConcurrentTasks)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:            cfg,
		registry:       registry,
		runner:         runner,
		log:            logger.Named("manager"),
		tasks:          make(map[string]*Task),
		taskQueue:      make(chan *Task, 100),
		concurrencySem: make(chan struct{}, cfg.MaxConcurrentTasks),
	}
	return m, nil
}

func (m *Manager) Start(ctx context.Context) {
	m.log.Info("task manager started", zap.Int("max_concurrent_tasks", m.cfg.MaxConcurrentTasks))
	go m.cleanupLoop(ctx)
	go m.workerLoop(ctx)
}

// Wait blocks until every started task has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// workerLoop pulls tasks from the queue and runs each on its own goroutine.
func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.log.Info("worker loop shutting down")
			return
		case t := <-m.taskQueue:
			// Wait for a free processing slot
			select {
			case m.concurrencySem <- struct{}{}:
			case <-ctx.Done():
				m.log.Info("worker loop shutting down")
				return
			}
			m.wg.Add(1)
			go func(t *Task) {
				defer m.wg.Done()
				defer func() { <-m.concurrencySem }()
				m.processTask(ctx, t)
			}(t)
		}
	}
}

func (m *Manager) processTask(ctx context.Context, t *Task) {
	m.update(t.ID, func(t *Task) {
		t.Status = StatusRunning
		t.StartedAt = time.Now()
	})
	m.log.Info("processing task", zap.String("task_id", t.ID))

	out := m.runner.Run(ctx, t)

	m.update(t.ID, func(t *Task) {
		t.Status = out.Status
		t.Completed = out.Completed
		t.Failed = out.Failed
		t.Total = out.Total
		if out.Err != nil {
			t.Error = out.Err.Error()
		}
		t.CompletedAt = time.Now()
	})
	m.log.Info("task finished",
		zap.String("task_id", t.ID),
		zap.String("status", string(out.Status)),
		zap.Int("completed", out.Completed),
		zap.Int("failed", out.Failed))
}

func (m *Manager) update(taskID string, fn func(t *Task)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		fn(t)
	}
}

// cleanupLoop periodically removes stale upload workspaces and forgets
// finished tasks.
func (m *Manager) cleanupLoop(ctx context.Context) {
	interval := m.cfg.UploadLifetime / 4 // Check 4 times per lifetime
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("cleanup loop shutting down")
			return
		case <-ticker.C:
			m.Sweep(time.Now())
		}
	}
}

// Sweep drops finished task records and upload directories older than the
// configured lifetime.
func (m *Manager) Sweep(now time.Time) {
	lifetime := m.cfg.UploadLifetime

	m.mu.Lock()
	live := make(map[string]bool, len(m.tasks))
	for id, t := range m.tasks {
		if t.Status.Terminal() && now.Sub(t.CompletedAt) > lifetime {
			delete(m.tasks, id)
			continue
		}
		live[id] = !t.Status.Terminal()
	}
	m.mu.Unlock()

	entries, err := os.ReadDir(m.cfg.UploadDir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Warn("could not scan upload dir", zap.String("dir", m.cfg.UploadDir), zap.Error(err))
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() || live[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) <= lifetime {
			continue
		}
		path := filepath.Join(m.cfg.UploadDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			m.log.Warn("could not remove expired upload", zap.String("path", path), zap.Error(err))
			continue
		}
		m.log.Info("removed expired upload", zap.String("path", path))
	}
}

// Submit registers t for cancellation and queues it. A duplicate id is
// rejected with ErrDuplicateTask.
func (m *Manager) Submit(t *Task) error {
	if err := m.registry.Register(t.ID); err != nil {
		return err
	}

	t.Status = StatusPending
	t.CreatedAt = time.Now()
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()

	select {
	case m.taskQueue <- t:
	default:
		m.registry.Release(t.ID)
		m.mu.Lock()
		delete(m.tasks, t.ID)
		m.mu.Unlock()
		return fmt.Errorf("task queue is full")
	}
	m.log.Info("task submitted to queue", zap.String("task_id", t.ID))
	return nil
}

// Get returns a snapshot of the task.
func (m *Manager) Get(taskID string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tasks[taskID]; ok {
		return *t, true
	}
	return Task{}, false
}

func (m *Manager) List() []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out
}

// Cancel requests cancellation of a pending or running task.
func (m *Manager) Cancel(taskID string) CancelResult {
	return m.registry.RequestCancel(taskID)
}
