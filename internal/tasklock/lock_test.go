package tasklock

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManager_AcquireRelease(t *testing.T) {
	m := NewManager("", quietLogger())

	assert.False(t, m.IsOperationRunning("t1"))
	require.True(t, m.AcquireLock("t1"))
	assert.True(t, m.IsOperationRunning("t1"))
	assert.False(t, m.AcquireLock("t1"))

	// other tasks are independent
	require.True(t, m.AcquireLock("t2"))

	m.ReleaseLock("t1")
	assert.False(t, m.IsOperationRunning("t1"))
	assert.True(t, m.IsOperationRunning("t2"))
}

func TestManager_DoubleReleaseIsLogged(t *testing.T) {
	var logs bytes.Buffer
	m := NewManager("", slog.New(slog.NewTextHandler(&logs, nil)))

	require.True(t, m.AcquireLock("t1"))
	m.ReleaseLock("t1")
	assert.NotPanics(t, func() { m.ReleaseLock("t1") })
	assert.Contains(t, logs.String(), "level=ERROR")
	assert.Contains(t, logs.String(), "task_id=t1")
}

func TestManager_OnlyOneConcurrentHolder(t *testing.T) {
	m := NewManager("", quietLogger())
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.AcquireLock("shared") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	m := NewManager(t.TempDir(), quietLogger())
	boom := errors.New("write failed")

	err := m.WithLock(context.Background(), "t1", func(context.Context) error {
		assert.True(t, m.IsOperationRunning("t1"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, m.IsOperationRunning("t1"))
}

func TestWithLock_ReleasesOnPanic(t *testing.T) {
	m := NewManager(t.TempDir(), quietLogger())
	assert.Panics(t, func() {
		_ = m.WithLock(context.Background(), "t1", func(context.Context) error {
			panic("bad")
		})
	})
	assert.False(t, m.IsOperationRunning("t1"))

	// the file lock was released too
	fl := flock.New(m.LockPath("t1"))
	ok, err := fl.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, fl.Unlock())
}

func TestWithLock_RejectsConcurrentOperation(t *testing.T) {
	m := NewManager(t.TempDir(), quietLogger())
	entered := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = m.WithLock(context.Background(), "t1", func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := m.WithLock(context.Background(), "t1", func(context.Context) error {
		t.Fatal("second operation must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrOperationRunning)
	close(release)
}

func TestWithLock_WaitsForFileLockUntilContextDone(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, quietLogger())

	// simulate another process holding the state lock
	other := NewManager(dir, quietLogger())
	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = other.WithLock(context.Background(), "t1", func(context.Context) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := m.WithLock(ctx, "t1", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.False(t, m.IsOperationRunning("t1"))
}
