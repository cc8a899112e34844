package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 3, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type gate struct{ active atomic.Bool }

func (g *gate) RoomWatchActive() bool { return g.active.Load() }

// blockingHandler records started keys and blocks each until released.
type blockingHandler struct {
	started chan string
	release chan struct{}
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{started: make(chan string, 16), release: make(chan struct{})}
}

func (h *blockingHandler) Handle(ctx context.Context, key string) {
	h.started <- key
	<-h.release
}

func zeroRand() float64 { return 0 }

func TestDelayBuckets(t *testing.T) {
	low := func() float64 { return 0 }
	high := func() float64 { return 0.999999 }

	for _, rnd := range []func() float64{low, high} {
		d := Delay(59*time.Second, rnd)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 5*time.Second)
	}

	assert.Equal(t, 10*time.Second, Delay(61*time.Second, low))
	assert.Equal(t, 10*time.Second, Delay(180*time.Second, high))

	for _, rnd := range []func() float64{low, high} {
		d := Delay(181*time.Second, rnd)
		assert.GreaterOrEqual(t, d, time.Duration(float64(181*time.Second)*0.90))
		assert.LessOrEqual(t, d, time.Duration(float64(181*time.Second)*1.05))
	}
	assert.Equal(t, time.Duration(float64(181*time.Second)*0.90), Delay(181*time.Second, low))
}

func TestNoDuplicateEnqueue(t *testing.T) {
	clock := newFakeClock()
	q := New(nil, nil, WithClock(clock.Now), WithRand(zeroRand))

	require.True(t, q.Enqueue("a", 0))
	first, _ := q.Get("a")

	clock.Advance(time.Second)
	assert.False(t, q.Enqueue("a", 200*time.Second))

	assert.Equal(t, 1, q.Len())
	again, _ := q.Get("a")
	assert.Equal(t, first.DueTime, again.DueTime)
	assert.Equal(t, StatusPending, again.Status)
}

func TestPromotionWaitsForDueTime(t *testing.T) {
	clock := newFakeClock()
	h := newBlockingHandler()
	defer close(h.release)
	q := New(h.Handle, nil, WithClock(clock.Now), WithRand(zeroRand))

	q.Enqueue("a", 0)
	assert.Equal(t, "", q.Tick(context.Background()))
	e, _ := q.Get("a")
	assert.Equal(t, StatusPending, e.Status)

	clock.Advance(2 * time.Second)
	assert.Equal(t, "a", q.Tick(context.Background()))
	assert.Equal(t, "a", <-h.started)
}

func TestFIFOAndSingleFlight(t *testing.T) {
	clock := newFakeClock()
	h := newBlockingHandler()
	q := New(h.Handle, nil, WithClock(clock.Now), WithRand(zeroRand))
	ctx := context.Background()

	for _, key := range []string{"A", "B", "C"} {
		q.Enqueue(key, 0)
		clock.Advance(time.Second)
	}
	clock.Advance(10 * time.Second)

	var order []string
	for i := 0; i < 3; i++ {
		key := q.Tick(ctx)
		require.NotEmpty(t, key)
		require.Equal(t, key, <-h.started)
		order = append(order, key)

		assert.Equal(t, "", q.Tick(ctx), "a second entry must not start while one is processing")
		for _, s := range q.Snapshot() {
			if s.Key != key {
				assert.Equal(t, StatusWaiting, s.Status)
			}
		}

		h.release <- struct{}{}
		require.Eventually(t, func() bool {
			_, ok := q.Get(key)
			return !ok
		}, time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, []string{"A", "B", "C"}, order)
	q.Wait()
}

func TestGateHoldsSelection(t *testing.T) {
	clock := newFakeClock()
	g := &gate{}
	g.active.Store(true)
	h := newBlockingHandler()
	defer close(h.release)
	q := New(h.Handle, g, WithClock(clock.Now), WithRand(zeroRand))

	q.Enqueue("a", 0)
	clock.Advance(5 * time.Second)
	assert.Equal(t, "", q.Tick(context.Background()))
	e, _ := q.Get("a")
	assert.Equal(t, StatusWaiting, e.Status)

	g.active.Store(false)
	assert.Equal(t, "a", q.Tick(context.Background()))
}

func TestStaleCompletionKeepsReenqueuedEntry(t *testing.T) {
	clock := newFakeClock()
	h := newBlockingHandler()
	q := New(h.Handle, nil, WithClock(clock.Now), WithRand(zeroRand))

	q.Enqueue("a", 0)
	clock.Advance(5 * time.Second)
	q.Tick(context.Background())
	<-h.started

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	q.Enqueue("a", 0)

	h.release <- struct{}{}
	q.Wait()

	e, ok := q.Get("a")
	require.True(t, ok)
	assert.Equal(t, StatusPending, e.Status)
}

func TestRemovedEntryHoldsPaneUntilHandlerReturns(t *testing.T) {
	clock := newFakeClock()
	h := newBlockingHandler()
	q := New(h.Handle, nil, WithClock(clock.Now), WithRand(zeroRand))

	q.Enqueue("a", 0)
	clock.Advance(5 * time.Second)
	require.Equal(t, "a", q.Tick(context.Background()))
	<-h.started

	q.Remove("a")
	q.Enqueue("b", 0)
	clock.Advance(5 * time.Second)
	assert.Empty(t, q.Tick(context.Background()))

	h.release <- struct{}{}
	require.Eventually(t, func() bool {
		return q.Tick(context.Background()) == "b"
	}, time.Second, time.Millisecond)
	<-h.started
	h.release <- struct{}{}
	q.Wait()
}

func TestHandlerPanicCompletesEntry(t *testing.T) {
	clock := newFakeClock()
	q := New(func(ctx context.Context, key string) { panic("boom") }, nil, WithClock(clock.Now), WithRand(zeroRand))

	q.Enqueue("a", 0)
	clock.Advance(5 * time.Second)
	q.Tick(context.Background())
	q.Wait()
	assert.Equal(t, 0, q.Len())
}

func TestSnapshotRemaining(t *testing.T) {
	clock := newFakeClock()
	q := New(nil, nil, WithClock(clock.Now), WithRand(zeroRand))

	q.Enqueue("a", 0)
	q.Enqueue("b", 90*time.Second)
	clock.Advance(3 * time.Second)

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Key)
	assert.Equal(t, time.Duration(0), snap[0].Remaining)
	assert.Equal(t, 7*time.Second, snap[1].Remaining)
}

type depthRecorder struct {
	mu     sync.Mutex
	depths map[string]int
}

func (r *depthRecorder) QueueDepth(status string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depths[status] = n
}

func TestRecorderSeesDepth(t *testing.T) {
	rec := &depthRecorder{depths: map[string]int{}}
	q := New(nil, nil, WithRecorder(rec), WithRand(zeroRand))
	q.Enqueue("a", 0)
	q.Enqueue("b", 0)
	q.Remove("a")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.depths["pending"])
	assert.Equal(t, 0, rec.depths["processing"])
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	done := make(chan struct{})
	q := New(func(ctx context.Context, key string) { close(done) }, nil, WithTick(5*time.Millisecond), WithRand(zeroRand))
	q.Enqueue("a", 0)
	// Due in 2s with zero jitter; pull it forward.
	q.mu.Lock()
	q.entries["a"].DueTime = time.Now()
	q.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- q.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not started")
	}
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
