package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrTooManyTasks = errors.New("too many active tasks")
	ErrClosed       = errors.New("task manager is closed")
	ErrTaskNotFound = errors.New("task not found")
)

// TaskStatus представляет статус задачи
type TaskStatus string

// Возможные статусы задач
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) active() bool {
	return s == TaskStatusPending || s == TaskStatusRunning
}

// TaskFunc представляет функцию, выполняемую в задаче
type TaskFunc func(ctx context.Context) error

// Task - снимок состояния задачи.
type Task struct {
	ID        uuid.UUID
	Name      string
	Status    TaskStatus
	Message   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type taskEntry struct {
	Task
	cancel context.CancelFunc
}

// Config содержит конфигурацию для TaskManager
type Config struct {
	MaxTasks int
}

// TaskManager запускает фоновые задачи в отдельных горутинах, отвязанных от
// контекста запроса, и ограничивает число одновременно активных.
type TaskManager struct {
	mu       sync.RWMutex
	tasks    map[uuid.UUID]*taskEntry
	maxTasks int
	closed   bool
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// New создает новый экземпляр TaskManager
func New(cfg Config, logger *zap.Logger) *TaskManager {
	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 10
	}
	return &TaskManager{
		tasks:    make(map[uuid.UUID]*taskEntry),
		maxTasks: maxTasks,
		logger:   logger.Named("TaskManager"),
	}
}

// Submit создает и запускает новую задачу. Контекст задачи наследует значения ctx,
// но не его отмену: задача переживает HTTP запрос.
func (tm *TaskManager) Submit(ctx context.Context, name string, fn TaskFunc) (uuid.UUID, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.closed {
		return uuid.Nil, ErrClosed
	}
	active := 0
	for _, t := range tm.tasks {
		if t.Status.active() {
			active++
		}
	}
	if active >= tm.maxTasks {
		return uuid.Nil, fmt.Errorf("%w (max %d)", ErrTooManyTasks, tm.maxTasks)
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	now := time.Now()
	entry := &taskEntry{
		Task: Task{
			ID:        uuid.New(),
			Name:      name,
			Status:    TaskStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
	}
	tm.tasks[entry.ID] = entry

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		defer cancel()
		tm.run(taskCtx, entry, fn)
	}()
	return entry.ID, nil
}

func (tm *TaskManager) run(ctx context.Context, entry *taskEntry, fn TaskFunc) {
	tm.setStatus(entry, TaskStatusRunning, "")
	log := tm.logger.With(zap.String("taskID", entry.ID.String()), zap.String("task", entry.Name))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Task panicked", zap.Any("panic", r))
			tm.setStatus(entry, TaskStatusFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	err := fn(ctx)
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		log.Info("Task cancelled")
		tm.setStatus(entry, TaskStatusCancelled, "cancelled")
	case err != nil:
		log.Warn("Task failed", zap.Error(err))
		tm.setStatus(entry, TaskStatusFailed, err.Error())
	default:
		log.Debug("Task completed")
		tm.setStatus(entry, TaskStatusCompleted, "")
	}
}

func (tm *TaskManager) setStatus(entry *taskEntry, status TaskStatus, message string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	entry.Status = status
	entry.Message = message
	entry.UpdatedAt = time.Now()
}

// GetTask возвращает копию задачи.
func (tm *TaskManager) GetTask(taskID uuid.UUID) (Task, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	entry, ok := tm.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	return entry.Task, nil
}

// ActiveTasks возвращает число задач в статусах pending/running.
func (tm *TaskManager) ActiveTasks() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	n := 0
	for _, t := range tm.tasks {
		if t.Status.active() {
			n++
		}
	}
	return n
}

// CleanupTasks удаляет завершенные задачи, которые старше указанного времени
func (tm *TaskManager) CleanupTasks(age time.Duration) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	removed := 0
	now := time.Now()
	for id, t := range tm.tasks {
		if !t.Status.active() && now.Sub(t.UpdatedAt) > age {
			delete(tm.tasks, id)
			removed++
		}
	}
	return removed
}

// Shutdown запрещает новые задачи и ждет завершения текущих. По истечении ctx
// оставшиеся задачи отменяются.
func (tm *TaskManager) Shutdown(ctx context.Context) error {
	tm.mu.Lock()
	tm.closed = true
	tm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		tm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		tm.mu.Lock()
		for _, t := range tm.tasks {
			if t.Status.active() {
				t.cancel()
			}
		}
		tm.mu.Unlock()
		return fmt.Errorf("timed out waiting for tasks: %w", ctx.Err())
	}
}
