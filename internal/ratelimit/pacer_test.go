package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noJitter(int64) int64 { return 0 }

func TestPacer_FirstWaitIsImmediate(t *testing.T) {
	p := NewPacer(time.Hour)

	start := time.Now()
	require.NoError(t, p.Wait(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPacer_SpacesVendors(t *testing.T) {
	p := NewPacer(50 * time.Millisecond)
	p.jitter = noJitter
	ctx := context.Background()

	require.NoError(t, p.Wait(ctx))
	start := time.Now()
	require.NoError(t, p.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPacer_HonorsCancellation(t *testing.T) {
	p := NewPacer(time.Hour)
	require.NoError(t, p.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}

func TestPacer_ZeroBaseNeverWaits(t *testing.T) {
	p := NewPacer(0)
	for i := 0; i < 10; i++ {
		p.Record(errors.New("vendor down"))
	}
	assert.Zero(t, p.Gap())

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPacer_BacksOffAndRecovers(t *testing.T) {
	p := NewPacer(time.Second)
	failed := errors.New("navigation timeout")

	p.Record(failed)
	p.Record(failed)
	assert.Equal(t, time.Second, p.Gap(), "two failures keep the base gap")

	p.Record(failed)
	assert.Equal(t, 1500*time.Millisecond, p.Gap())

	for i := 0; i < 300; i++ {
		p.Record(failed)
	}
	assert.Equal(t, 2*time.Minute, p.Gap(), "gap is capped")

	for i := 0; i < 1000; i++ {
		p.Record(nil)
	}
	assert.Equal(t, time.Second, p.Gap(), "gap recovers to the base")
}

func TestPacer_DrawStaysInWindow(t *testing.T) {
	p := NewPacer(10 * time.Second)
	for i := 0; i < 100; i++ {
		d := p.draw()
		assert.GreaterOrEqual(t, d, 10*time.Second)
		assert.LessOrEqual(t, d, 15*time.Second)
	}
}
