package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig(attempts uint64) Config {
	return Config{Delay: time.Millisecond, MaxAttempts: attempts}
}

func TestUntilSuccess(t *testing.T) {
	failure := errors.New("transient")

	t.Run("succeeds after failures", func(t *testing.T) {
		var calls int
		err := UntilSuccess(context.Background(), fastConfig(10), testLogger(), "op", func(ctx context.Context) error {
			calls++
			if calls < 4 {
				return failure
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 4, calls)
	})

	t.Run("budget exhausted", func(t *testing.T) {
		var calls int
		err := UntilSuccess(context.Background(), fastConfig(3), testLogger(), "op", func(ctx context.Context) error {
			calls++
			return failure
		})
		assert.ErrorIs(t, err, failure)
		assert.Equal(t, 4, calls, "one initial attempt plus three retries")
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		var calls int
		stop := errors.New("signature invalid")
		err := UntilSuccess(context.Background(), fastConfig(10), testLogger(), "op", func(ctx context.Context) error {
			calls++
			return Permanent(stop)
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var calls int
		err := UntilSuccess(ctx, Config{Delay: time.Hour}, testLogger(), "op", func(ctx context.Context) error {
			calls++
			cancel()
			return failure
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestScheduler(t *testing.T) {
	t.Run("runs until success and reports", func(t *testing.T) {
		s := NewScheduler(fastConfig(100), testLogger())
		var calls atomic.Int32
		done := make(chan error, 1)

		started := s.Schedule("confirm/a", func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("offline")
			}
			return nil
		}, func(err error) { done <- err })
		require.True(t, started)

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("task did not finish")
		}
		s.Wait()
		assert.Equal(t, int32(3), calls.Load())
		assert.False(t, s.Pending("confirm/a"))
	})

	t.Run("deduplicates keys", func(t *testing.T) {
		s := NewScheduler(Config{Delay: time.Hour}, testLogger())
		defer s.Close()

		block := func(ctx context.Context) error { return errors.New("offline") }
		assert.True(t, s.Schedule("confirm/a", block, nil))
		assert.False(t, s.Schedule("confirm/a", block, nil))
		assert.True(t, s.Pending("confirm/a"))
	})

	t.Run("cancel by prefix", func(t *testing.T) {
		s := NewScheduler(Config{Delay: time.Hour}, testLogger())
		results := make(chan error, 3)
		offline := func(ctx context.Context) error { return errors.New("offline") }

		s.Schedule("setup/1/a", offline, func(err error) { results <- err })
		s.Schedule("setup/1/b", offline, func(err error) { results <- err })
		s.Schedule("setup/2/a", offline, func(err error) { results <- err })

		s.CancelPrefix("setup/1/")
		for i := 0; i < 2; i++ {
			select {
			case err := <-results:
				assert.ErrorIs(t, err, ErrCancelled)
			case <-time.After(5 * time.Second):
				t.Fatal("cancelled task did not finish")
			}
		}
		assert.True(t, s.Pending("setup/2/a"))

		s.Cancel("setup/2/a")
		s.Wait()
		assert.False(t, s.Pending("setup/2/a"))
	})
}
