package clock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wicos64/blockfs/internal/clock"
)

func TestWallSleepRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := (clock.Wall{}).Sleep(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFakeSleepBlocksUntilAdvance(t *testing.T) {
	f := clock.NewFake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		_ = f.Sleep(context.Background(), time.Second)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Sleep returned before Advance")
	case <-time.After(20 * time.Millisecond):
	}

	f.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakeAdvanceUpdatesNow(t *testing.T) {
	start := time.Unix(1000, 0)
	f := clock.NewFake(start)
	f.Advance(5 * time.Second)
	require.Equal(t, start.Add(5*time.Second), f.Now())
}
