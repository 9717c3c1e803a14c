package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockSweeper struct {
	calls atomic.Int32
	count int64
}

func (m *mockSweeper) SweepExpired(ctx context.Context) (int64, error) {
	m.calls.Add(1)
	return m.count, nil
}

type mockPruner struct {
	calls  atomic.Int32
	before atomic.Value
	err    error
}

func (m *mockPruner) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	m.calls.Add(1)
	m.before.Store(before)
	return 3, m.err
}

func TestCleanupJob(t *testing.T) {
	t.Run("creates job with correct interval", func(t *testing.T) {
		job := NewCleanupJob(&mockSweeper{}, nil, time.Hour, 5*time.Minute)

		assert.NotNil(t, job)
		assert.Equal(t, 5*time.Minute, job.interval)
	})

	t.Run("starts and stops without panic", func(t *testing.T) {
		job := NewCleanupJob(&mockSweeper{}, &mockPruner{}, time.Hour, time.Hour)

		assert.NotPanics(t, func() {
			job.Start()
			time.Sleep(10 * time.Millisecond)
			job.Stop()
		})
	})

	t.Run("runs cleanup on start", func(t *testing.T) {
		sweeper := &mockSweeper{count: 2}
		pruner := &mockPruner{}
		job := NewCleanupJob(sweeper, pruner, time.Hour, time.Hour)

		job.Start()
		defer job.Stop()

		assert.Eventually(t, func() bool {
			return sweeper.calls.Load() == 1 && pruner.calls.Load() == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("prunes history at the retention cutoff", func(t *testing.T) {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		pruner := &mockPruner{}
		job := NewCleanupJob(&mockSweeper{}, pruner, 48*time.Hour, time.Hour)
		job.now = func() time.Time { return now }

		job.cleanup()

		assert.Equal(t, int32(1), pruner.calls.Load())
		assert.Equal(t, now.Add(-48*time.Hour), pruner.before.Load())
	})

	t.Run("skips history without a store or retention", func(t *testing.T) {
		sweeper := &mockSweeper{}
		NewCleanupJob(sweeper, nil, time.Hour, time.Hour).cleanup()
		assert.Equal(t, int32(1), sweeper.calls.Load())

		pruner := &mockPruner{}
		NewCleanupJob(&mockSweeper{}, pruner, 0, time.Hour).cleanup()
		assert.Equal(t, int32(0), pruner.calls.Load())
	})

	t.Run("history failure does not stop the sweep", func(t *testing.T) {
		sweeper := &mockSweeper{}
		pruner := &mockPruner{err: errors.New("db down")}
		job := NewCleanupJob(sweeper, pruner, time.Hour, time.Hour)

		assert.NotPanics(t, job.cleanup)
		assert.Equal(t, int32(1), sweeper.calls.Load())
	})
}
