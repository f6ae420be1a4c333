// Package retry runs operations that have no safe terminal failure state:
// they are repeated with a fixed delay until they succeed, fail permanently,
// are cancelled, or exhaust a long attempt budget.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config controls the fixed-delay retry loop.
type Config struct {
	Delay       time.Duration
	MaxAttempts uint64
}

// DefaultConfig retries every 5 seconds for one day.
func DefaultConfig() Config {
	return Config{
		Delay:       5 * time.Second,
		MaxAttempts: 17280,
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// UntilSuccess runs op until it returns nil, a Permanent error, the context
// is cancelled, or the attempt budget is spent. Permanent errors are returned
// unwrapped.
func UntilSuccess(ctx context.Context, cfg Config, log *slog.Logger, name string, op func(ctx context.Context) error) error {
	var b backoff.BackOff = backoff.NewConstantBackOff(cfg.Delay)
	if cfg.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, cfg.MaxAttempts)
	}

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn("Operation failed, retrying",
			slog.String("operation", name),
			slog.Int("attempt", attempt),
			slog.Duration("next", next),
			"err", err)
	})
}

// ErrCancelled is reported to completion callbacks of cancelled tasks.
var ErrCancelled = errors.New("task cancelled")

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs keyed background retry loops. At most one task per key is
// active; cancelling a key stops its loop at the next wait.
type Scheduler struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

func NewScheduler(cfg Config, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		log:   log,
		tasks: make(map[string]*task),
	}
}

// Schedule starts op under key unless a task with that key is already
// pending. onDone, if set, receives the final result (nil on success,
// ErrCancelled when cancelled). It reports whether a task was started.
func (s *Scheduler) Schedule(key string, op func(ctx context.Context) error, onDone func(error)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[key]; exists {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[key] = t
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer close(t.done)

		err := UntilSuccess(ctx, s.cfg, s.log, key, op)
		if ctx.Err() != nil && err != nil {
			err = ErrCancelled
		}

		s.mu.Lock()
		if s.tasks[key] == t {
			delete(s.tasks, key)
		}
		s.mu.Unlock()
		cancel()

		if err != nil && !errors.Is(err, ErrCancelled) {
			s.log.Error("Scheduled task gave up", slog.String("task", key), "err", err)
		}
		if onDone != nil {
			onDone(err)
		}
	}()
	return true
}

// Pending reports whether a task with key is still running.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Cancel stops the task with key, if any.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if ok {
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// CancelPrefix stops every task whose key starts with prefix.
func (s *Scheduler) CancelPrefix(prefix string) {
	s.mu.Lock()
	var cancelled []*task
	for key, t := range s.tasks {
		if strings.HasPrefix(key, prefix) {
			cancelled = append(cancelled, t)
			delete(s.tasks, key)
		}
	}
	s.mu.Unlock()

	for _, t := range cancelled {
		t.cancel()
	}
}

// Wait blocks until every task has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels all tasks and waits for them.
func (s *Scheduler) Close() {
	s.CancelPrefix("")
	s.Wait()
}
