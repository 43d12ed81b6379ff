package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type poolEntry struct {
	task    Task
	attempt int
}

type keyState struct {
	waiting *poolEntry
	running bool
	rerun   *poolEntry
}

// Pool executes tasks on a fixed set of in-process workers. Delayed tasks
// and retries are parked on timers until they are due. The backlog is
// unbounded so a handler may enqueue onto the pool it runs on; queueSize is
// only the level at which a growing backlog is reported.
type Pool struct {
	registry    *Registry
	logger      *zap.Logger
	workers     int
	maxAttempts int
	backoff     func(attempt int) time.Duration

	queueSize int
	signal    chan struct{}

	mu      sync.Mutex
	pending []*poolEntry
	warned  bool
	keys    map[string]*keyState
	timers  map[*time.Timer]struct{}
	closed  bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewPool(registry *Registry, workers, queueSize, maxAttempts int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pool{
		registry:    registry,
		logger:      logger,
		workers:     workers,
		maxAttempts: maxAttempts,
		backoff:     Backoff,
		queueSize:   queueSize,
		signal:      make(chan struct{}, 1),
		pending:     make([]*poolEntry, 0, queueSize),
		keys:        make(map[string]*keyState),
		timers:      make(map[*time.Timer]struct{}),
	}
}

// Start launches the workers. They run until Close is called or ctx ends.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		worker := i
		p.group.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}

	p.logger.Info("Task pool started", zap.Int("workers", p.workers), zap.Int("queue_size", p.queueSize))
}

// Close stops accepting tasks, drops parked timers and waits for running
// handlers to return.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for t := range p.timers {
		t.Stop()
	}
	p.timers = nil
	p.pending = nil
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		if err := p.group.Wait(); err != nil {
			return err
		}
	}

	p.logger.Info("Task pool stopped")
	return nil
}

func (p *Pool) Enqueue(ctx context.Context, task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if _, ok := p.registry.Handler(task.Name); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, task.Name)
	}

	entry := &poolEntry{task: task, attempt: 1}
	if task.Delay > 0 {
		if err := p.later(task.Delay, entry); err != nil {
			return "", err
		}
		return task.ID, nil
	}
	return p.submit(ctx, entry)
}

func (p *Pool) later(d time.Duration, entry *poolEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		p.mu.Lock()
		if p.timers != nil {
			delete(p.timers, timer)
		}
		p.mu.Unlock()

		if _, err := p.submit(context.Background(), entry); err != nil && !errors.Is(err, ErrClosed) {
			p.logger.Error("Failed to submit delayed task", zap.String("task", entry.task.Name), zap.Error(err))
		}
	})
	p.timers[timer] = struct{}{}
	return nil
}

// submit applies key coalescing and hands the entry to the workers.
func (p *Pool) submit(ctx context.Context, entry *poolEntry) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}

	if key := entry.task.Key; key != "" {
		st, ok := p.keys[key]
		if !ok {
			st = &keyState{}
			p.keys[key] = st
		}
		switch {
		case st.waiting != nil:
			id := st.waiting.task.ID
			p.mu.Unlock()
			return id, nil
		case st.running:
			if st.rerun == nil {
				st.rerun = entry
			}
			id := st.rerun.task.ID
			p.mu.Unlock()
			return id, nil
		}
		st.waiting = entry
	}
	p.mu.Unlock()

	if err := p.push(ctx, entry); err != nil {
		return "", err
	}
	return entry.task.ID, nil
}

// push appends the entry to the backlog. It never blocks, so workers can
// fan out onto their own pool.
func (p *Pool) push(ctx context.Context, entry *poolEntry) error {
	if err := ctx.Err(); err != nil {
		p.abandon(entry)
		return fmt.Errorf("failed to enqueue %s: %w", entry.task.Name, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.abandon(entry)
		return ErrClosed
	}
	p.pending = append(p.pending, entry)
	backlog := len(p.pending)
	warn := backlog > p.queueSize && !p.warned
	if warn {
		p.warned = true
	}
	p.mu.Unlock()

	if warn {
		p.logger.Warn("Task backlog exceeds queue size", zap.Int("backlog", backlog), zap.Int("queue_size", p.queueSize))
	}
	p.wake()
	return nil
}

func (p *Pool) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// next pops the oldest entry and passes the wakeup on while work remains.
func (p *Pool) next() *poolEntry {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.warned = false
		p.mu.Unlock()
		return nil
	}
	entry := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	more := len(p.pending) > 0
	p.mu.Unlock()

	if more {
		p.wake()
	}
	return entry
}

// abandon clears the waiting slot of an entry that never reached a worker.
func (p *Pool) abandon(entry *poolEntry) {
	key := entry.task.Key
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.keys[key]; ok && st.waiting == entry {
		st.waiting = nil
		if !st.running && st.rerun == nil {
			delete(p.keys, key)
		}
	}
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		if entry := p.next(); entry != nil {
			p.run(ctx, worker, entry)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.signal:
		}
	}
}

func (p *Pool) run(ctx context.Context, worker int, entry *poolEntry) {
	key := entry.task.Key
	if key != "" {
		p.mu.Lock()
		st := p.keys[key]
		st.waiting = nil
		st.running = true
		p.mu.Unlock()
	}

	err := execute(context.WithoutCancel(ctx), p.registry, entry.task.Name, entry.task.Payload)
	if err != nil {
		p.retry(entry, err, worker)
	}

	if key == "" {
		return
	}

	p.mu.Lock()
	st := p.keys[key]
	st.running = false
	next := st.rerun
	st.rerun = nil
	if next != nil {
		st.waiting = next
	} else if st.waiting == nil {
		delete(p.keys, key)
	}
	p.mu.Unlock()

	if next != nil {
		if err := p.push(context.Background(), next); err != nil && !errors.Is(err, ErrClosed) {
			p.logger.Error("Failed to requeue task", zap.String("task", next.task.Name), zap.Error(err))
		}
	}
}

func (p *Pool) retry(entry *poolEntry, err error, worker int) {
	fields := []zap.Field{
		zap.String("task", entry.task.Name),
		zap.String("task_id", entry.task.ID),
		zap.Int("attempt", entry.attempt),
		zap.Int("worker", worker),
		zap.Error(err),
	}

	if errors.Is(err, ErrUnknownTask) || entry.attempt >= maxAttempts(entry.task, p.maxAttempts) {
		p.logger.Error("Task failed permanently", fields...)
		return
	}

	delay := p.backoff(entry.attempt)
	p.logger.Warn("Task failed, retrying", append(fields, zap.Duration("backoff", delay))...)

	next := &poolEntry{task: entry.task, attempt: entry.attempt + 1}
	if err := p.later(delay, next); err != nil && !errors.Is(err, ErrClosed) {
		p.logger.Error("Failed to schedule retry", zap.String("task", entry.task.Name), zap.Error(err))
	}
}
