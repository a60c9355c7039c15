package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maltedev/vendor-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingSyncer struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	err     error
}

func (b *blockingSyncer) RunSyncAll(ctx context.Context) ([]*models.SyncResult, error) {
	b.calls.Add(1)
	if b.entered != nil {
		b.entered <- struct{}{}
	}
	if b.release != nil {
		<-b.release
	}
	if b.err != nil {
		return nil, b.err
	}
	return []*models.SyncResult{
		{VendorID: "a", Status: models.SyncCompleted},
		{VendorID: "b", Status: models.SyncFailed},
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_TickSkipsWhileBatchRunning(t *testing.T) {
	s := &blockingSyncer{entered: make(chan struct{}), release: make(chan struct{})}
	sched := NewScheduler(s, time.Hour, discardLogger())

	done := make(chan bool)
	go func() { done <- sched.Tick(context.Background()) }()
	<-s.entered

	assert.False(t, sched.Tick(context.Background()), "overlapping tick is skipped")

	close(s.release)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), s.calls.Load())

	// Once the batch finishes the next tick runs again.
	s.entered = nil
	assert.True(t, sched.Tick(context.Background()))
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestScheduler_TickSurvivesBatchError(t *testing.T) {
	s := &blockingSyncer{err: errors.New("database unavailable")}
	sched := NewScheduler(s, time.Hour, discardLogger())

	assert.True(t, sched.Tick(context.Background()))
	assert.True(t, sched.Tick(context.Background()))
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestScheduler_StartRunsUntilCanceled(t *testing.T) {
	s := &blockingSyncer{}
	sched := NewScheduler(s, 10*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() { errCh <- sched.Start(ctx) }()

	require.Eventually(t, func() bool { return s.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
