package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Inline runs every task synchronously inside Enqueue. Delays and retry
// backoff are skipped. A same-key enqueue issued while that key is running
// is deferred until the running task returns.
type Inline struct {
	registry    *Registry
	logger      *zap.Logger
	maxAttempts int

	mu      sync.Mutex
	running map[string]bool
	rerun   map[string]*Task
}

func NewInline(registry *Registry, logger *zap.Logger) *Inline {
	return &Inline{
		registry:    registry,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		running:     make(map[string]bool),
		rerun:       make(map[string]*Task),
	}
}

func (d *Inline) Enqueue(ctx context.Context, task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if _, ok := d.registry.Handler(task.Name); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, task.Name)
	}

	if task.Key != "" {
		d.mu.Lock()
		if d.running[task.Key] {
			if pending, ok := d.rerun[task.Key]; ok {
				d.mu.Unlock()
				return pending.ID, nil
			}
			d.rerun[task.Key] = &task
			d.mu.Unlock()
			return task.ID, nil
		}
		d.running[task.Key] = true
		d.mu.Unlock()
	}

	ctx = context.WithoutCancel(ctx)
	current := task
	for {
		d.runWithRetries(ctx, current)

		if task.Key == "" {
			return task.ID, nil
		}

		d.mu.Lock()
		next, ok := d.rerun[task.Key]
		if !ok {
			delete(d.running, task.Key)
			d.mu.Unlock()
			return task.ID, nil
		}
		delete(d.rerun, task.Key)
		d.mu.Unlock()
		current = *next
	}
}

func (d *Inline) runWithRetries(ctx context.Context, task Task) {
	limit := maxAttempts(task, d.maxAttempts)
	for attempt := 1; attempt <= limit; attempt++ {
		err := execute(ctx, d.registry, task.Name, task.Payload)
		if err == nil {
			return
		}
		if errors.Is(err, ErrUnknownTask) {
			d.logger.Error("No handler registered", zap.String("task", task.Name))
			return
		}
		d.logger.Warn("Task failed",
			zap.String("task", task.Name),
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}
