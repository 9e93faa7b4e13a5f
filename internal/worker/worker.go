package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/DukeRupert/tollgate/internal/metrics"
)

// ErrUnknownTask is returned by RunNow for a name nobody registered.
var ErrUnknownTask = errors.New("unknown task")

// Worker runs registered tasks on their own tickers.
type Worker struct {
	clock  quartz.Clock
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]Task
	order   []string
	running map[string]*sync.Mutex

	// Synchronization
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a new Worker with the given configuration.
// The worker must be started with Start() and stopped with Stop().
func New(clock quartz.Clock, config Config, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Worker{
		clock:   clock,
		config:  config,
		logger:  logger,
		tasks:   make(map[string]Task),
		running: make(map[string]*sync.Mutex),
	}, nil
}

// Register adds a task. Call this before Start().
func (w *Worker) Register(task Task) {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := task.Name()
	if _, exists := w.tasks[name]; exists {
		w.logger.Warn("Overwriting existing task", "task", name)
	} else {
		w.order = append(w.order, name)
	}
	w.tasks[name] = task
	w.running[name] = &sync.Mutex{}
	w.logger.Debug("Registered task", "task", name, "interval", task.Interval())
}

// Start schedules every registered task.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.mu.Lock()
	tasks := make([]Task, 0, len(w.order))
	for _, name := range w.order {
		tasks = append(tasks, w.tasks[name])
	}
	w.mu.Unlock()

	for _, task := range tasks {
		w.wg.Add(1)
		go w.schedule(ctx, task)
	}

	w.logger.Info("Worker started", "tasks", len(tasks))
}

// Stop cancels the schedules and waits for running tasks.
// It respects the configured ShutdownTimeout.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped gracefully")
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("Worker shutdown timeout exceeded, some tasks may still be running")
	}
}

// RunNow runs the named task once, outside its schedule. A run already in
// progress for the same task finishes first.
func (w *Worker) RunNow(ctx context.Context, name string) error {
	w.mu.Lock()
	task, ok := w.tasks[name]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return w.execute(ctx, task)
}

// schedule runs task every Interval until ctx is cancelled or the task
// fails permanently.
func (w *Worker) schedule(ctx context.Context, task Task) {
	defer w.wg.Done()

	logger := w.logger.With("task", task.Name())
	err := w.clock.TickerFunc(ctx, task.Interval(), func() error {
		err := w.execute(ctx, task)
		if IsPermanent(err) {
			return err
		}
		return nil
	}, "worker", task.Name()).Wait()

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Debug("Task schedule stopped")
	case IsPermanent(err):
		metrics.TaskUnscheduled(task.Name())
		logger.Warn("Task failed with permanent error, unscheduled", "error", err)
	default:
		logger.Error("Task schedule ended", "error", err)
	}
}

// execute runs one pass with the configured timeout.
func (w *Worker) execute(ctx context.Context, task Task) error {
	w.mu.Lock()
	lock := w.running[task.Name()]
	w.mu.Unlock()
	lock.Lock()
	defer lock.Unlock()

	taskCtx, cancel := context.WithTimeout(ctx, w.config.TaskTimeout)
	defer cancel()

	start := w.clock.Now()
	if err := task.Run(taskCtx); err != nil {
		metrics.TaskFailed(task.Name())
		w.logger.Error("Task failed", "task", task.Name(), "error", err)
		return err
	}

	duration := w.clock.Since(start)
	metrics.TaskCompleted(task.Name(), duration)
	w.logger.Debug("Task completed", "task", task.Name(), "duration", duration)
	return nil
}
