package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(2)
	release := make(chan struct{})
	var peak, cur atomic.Int32

	for i := 0; i < 6; i++ {
		p.Go(context.Background(), "task", func(ctx context.Context) error {
			n := cur.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			cur.Add(-1)
			return nil
		})
	}

	require.Eventually(t, func() bool { return p.Running() == 2 }, time.Second, time.Millisecond)
	close(release)
	p.Wait()
	assert.Equal(t, int32(2), peak.Load())
}

func TestPoolReturnsErrorAndRecovers(t *testing.T) {
	p := New(1)
	boom := errors.New("boom")

	assert.ErrorIs(t, <-p.Go(context.Background(), "fail", func(context.Context) error { return boom }), boom)

	err := <-p.Go(context.Background(), "panic", func(context.Context) error { panic("bad") })
	assert.ErrorContains(t, err, "panicked")

	assert.NoError(t, <-p.Go(context.Background(), "ok", func(context.Context) error { return nil }))
	p.Wait()
}

func TestPoolCancelledBeforeStart(t *testing.T) {
	p := New(1)
	block := make(chan struct{})
	p.Go(context.Background(), "hold", func(context.Context) error { <-block; return nil })
	require.Eventually(t, func() bool { return p.Running() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	done := p.Go(ctx, "late", func(context.Context) error { ran.Store(true); return nil })
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	close(block)
	p.Wait()
	assert.False(t, ran.Load())
}

func TestDefaultSize(t *testing.T) {
	assert.Equal(t, DefaultSize, New(0).Size())
}
