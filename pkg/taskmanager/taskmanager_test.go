package taskmanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitStatus(t *testing.T, tm *TaskManager, task Task, want TaskStatus) {
	t.Helper()
	assert.Eventually(t, func() bool {
		got, err := tm.GetTask(task.ID)
		return err == nil && got.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTaskManager(t *testing.T) {
	t.Run("completes and fails", func(t *testing.T) {
		tm := New(Config{MaxTasks: 2}, zap.NewNop())

		okID, err := tm.Submit(context.Background(), "ok", func(context.Context) error { return nil })
		require.NoError(t, err)
		failID, err := tm.Submit(context.Background(), "fail", func(context.Context) error { return errors.New("boom") })
		require.NoError(t, err)

		waitStatus(t, tm, Task{ID: okID}, TaskStatusCompleted)
		waitStatus(t, tm, Task{ID: failID}, TaskStatusFailed)
		failed, _ := tm.GetTask(failID)
		assert.Equal(t, "boom", failed.Message)
		require.NoError(t, tm.Shutdown(context.Background()))
	})

	t.Run("request cancellation does not reach the task", func(t *testing.T) {
		tm := New(Config{}, zap.NewNop())
		reqCtx, cancel := context.WithCancel(context.Background())
		seen := make(chan error, 1)
		id, err := tm.Submit(reqCtx, "detached", func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			seen <- ctx.Err()
			return nil
		})
		require.NoError(t, err)
		cancel()
		assert.NoError(t, <-seen)
		waitStatus(t, tm, Task{ID: id}, TaskStatusCompleted)
	})

	t.Run("limit", func(t *testing.T) {
		tm := New(Config{MaxTasks: 1}, zap.NewNop())
		release := make(chan struct{})
		_, err := tm.Submit(context.Background(), "block", func(context.Context) error { <-release; return nil })
		require.NoError(t, err)
		_, err = tm.Submit(context.Background(), "second", func(context.Context) error { return nil })
		assert.ErrorIs(t, err, ErrTooManyTasks)
		assert.Equal(t, 1, tm.ActiveTasks())
		close(release)
		require.NoError(t, tm.Shutdown(context.Background()))
		_, err = tm.Submit(context.Background(), "late", func(context.Context) error { return nil })
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		tm := New(Config{}, zap.NewNop())
		id, err := tm.Submit(context.Background(), "panic", func(context.Context) error { panic("oops") })
		require.NoError(t, err)
		waitStatus(t, tm, Task{ID: id}, TaskStatusFailed)
	})

	t.Run("shutdown timeout cancels", func(t *testing.T) {
		tm := New(Config{}, zap.NewNop())
		id, err := tm.Submit(context.Background(), "slow", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.Error(t, tm.Shutdown(ctx))
		waitStatus(t, tm, Task{ID: id}, TaskStatusCancelled)
	})

	t.Run("cleanup", func(t *testing.T) {
		tm := New(Config{}, zap.NewNop())
		id, err := tm.Submit(context.Background(), "ok", func(context.Context) error { return nil })
		require.NoError(t, err)
		waitStatus(t, tm, Task{ID: id}, TaskStatusCompleted)
		assert.Equal(t, 1, tm.CleanupTasks(-time.Second))
		_, err = tm.GetTask(id)
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})
}
