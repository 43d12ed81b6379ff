package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrClosed      = errors.New("dispatcher closed")
)

// DefaultMaxAttempts bounds handler retries when a task does not set its own.
const DefaultMaxAttempts = 3

// Task is a named unit of background work. Tasks sharing a non-empty Key
// never run concurrently. Enqueuing a task whose Key is already waiting
// coalesces into the waiting one; enqueuing while it runs schedules exactly
// one rerun afterwards.
type Task struct {
	ID          string
	Name        string
	Key         string
	Payload     []byte
	Delay       time.Duration
	MaxAttempts int
}

// NewTask builds a task with a fresh id and a JSON encoded payload.
func NewTask(name, key string, payload any) (Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("failed to marshal payload for %s: %w", name, err)
	}
	return Task{ID: uuid.NewString(), Name: name, Key: key, Payload: data}, nil
}

// After returns a copy of t that becomes due after d.
func (t Task) After(d time.Duration) Task {
	t.Delay = d
	return t
}

// HandlerFunc executes one task. A returned error is retried with backoff.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Dispatcher schedules tasks for asynchronous execution and returns the id
// of the task that will carry the work.
type Dispatcher interface {
	Enqueue(ctx context.Context, task Task) (string, error)
}

// Registry maps task names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Handler(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backoff is the delay before retrying a task that failed attempt times.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

func maxAttempts(t Task, fallback int) int {
	if t.MaxAttempts > 0 {
		return t.MaxAttempts
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultMaxAttempts
}

// execute runs the handler registered for name, turning panics into errors.
func execute(ctx context.Context, registry *Registry, name string, payload []byte) (err error) {
	h, ok := registry.Handler(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v\n%s", name, r, debug.Stack())
		}
	}()

	return h(ctx, payload)
}
