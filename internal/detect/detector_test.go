package detect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chatpilot/chatpilot/internal/device"
)

var (
	titleRegion   = device.Region{X: 0, Y: 0, W: 10, H: 10}
	previewRegion = device.Region{X: 0, Y: 10, W: 10, H: 10}
)

type fakeScreen struct {
	mu      sync.Mutex
	title   uint64
	preview uint64
	text    string
	textErr error
	hashErr error
}

func (s *fakeScreen) set(title, preview uint64) {
	s.mu.Lock()
	s.title, s.preview = title, preview
	s.mu.Unlock()
}

func (s *fakeScreen) CaptureHash(_ context.Context, r device.Region) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hashErr != nil {
		return 0, s.hashErr
	}
	if r == titleRegion {
		return s.title, nil
	}
	return s.preview, nil
}

func (s *fakeScreen) CaptureText(context.Context, device.Region) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, s.textErr
}

type fakeQueue struct {
	mu    sync.Mutex
	keys  []string
	since []time.Duration
	seen  map[string]bool
}

func (q *fakeQueue) Enqueue(key string, since time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen == nil {
		q.seen = map[string]bool{}
	}
	q.keys = append(q.keys, key)
	q.since = append(q.since, since)
	if q.seen[key] {
		return false
	}
	q.seen[key] = true
	return true
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

type fakeStale map[string]time.Duration

func (f fakeStale) Staleness(key string, _ time.Time) time.Duration { return f[key] }

type fakeFlags struct {
	suspended atomic.Bool
	busy      atomic.Bool
}

func (f *fakeFlags) ListWatchSuspended() bool { return f.suspended.Load() }
func (f *fakeFlags) ActuatorBusy() bool { return f.busy.Load() }

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newDetector(screen *fakeScreen, q *fakeQueue, flags *fakeFlags, c *clock) *Detector {
	return New(Config{Title: titleRegion, Preview: previewRegion}, screen, q, fakeStale{"엄마": 90 * time.Second}, flags, WithClock(c.Now))
}

func TestFirstTickIsBaseline(t *testing.T) {
	screen := &fakeScreen{title: 1, preview: 1, text: "엄마 (1)"}
	q := &fakeQueue{}
	d := newDetector(screen, q, &fakeFlags{}, &clock{now: time.Unix(1000, 0)})

	_, ok := d.Poll(context.Background())
	assert.False(t, ok)
	_, ok = d.Poll(context.Background())
	assert.False(t, ok, "no change without pixel motion")
	assert.Equal(t, 0, q.count())
}

func TestChangeEnqueuesNormalizedKey(t *testing.T) {
	screen := &fakeScreen{title: 1, preview: 1, text: "엄마 (1)"}
	q := &fakeQueue{}
	d := newDetector(screen, q, &fakeFlags{}, &clock{now: time.Unix(1000, 0)})

	d.Poll(context.Background())
	screen.set(1, 2)
	det, ok := d.Poll(context.Background())
	require.True(t, ok)
	assert.Equal(t, "엄마", det.Key)
	assert.Equal(t, 90*time.Second, det.Staleness)
	assert.True(t, det.Enqueued)
	assert.Equal(t, []time.Duration{90 * time.Second}, q.since)
}

func TestBusySuppressesButMovesBaseline(t *testing.T) {
	screen := &fakeScreen{title: 1, preview: 1, text: "엄마"}
	q := &fakeQueue{}
	flags := &fakeFlags{}
	d := newDetector(screen, q, flags, &clock{now: time.Unix(1000, 0)})

	d.Poll(context.Background())
	flags.busy.Store(true)
	screen.set(1, 2)
	_, ok := d.Poll(context.Background())
	assert.False(t, ok)

	flags.busy.Store(false)
	_, ok = d.Poll(context.Background())
	assert.False(t, ok, "self-caused change must not surface later")
	assert.Equal(t, 0, q.count())
}

func TestCooldownAndHashWindow(t *testing.T) {
	screen := &fakeScreen{title: 1, preview: 1, text: "엄마"}
	q := &fakeQueue{}
	c := &clock{now: time.Unix(1000, 0)}
	d := newDetector(screen, q, &fakeFlags{}, c)
	ctx := context.Background()

	d.Poll(ctx)
	screen.set(1, 2)
	_, ok := d.Poll(ctx)
	require.True(t, ok)

	// Inside the cooldown.
	c.Advance(100 * time.Millisecond)
	screen.set(1, 3)
	_, ok = d.Poll(ctx)
	assert.False(t, ok)

	// Back to the triggering frame after the cooldown but inside the hash window.
	c.Advance(time.Second)
	screen.set(1, 2)
	_, ok = d.Poll(ctx)
	assert.False(t, ok)

	// A new frame after the cooldown triggers.
	c.Advance(time.Second)
	screen.set(1, 4)
	_, ok = d.Poll(ctx)
	assert.True(t, ok)

	// The first frame again, now past the hash window.
	c.Advance(6 * time.Second)
	screen.set(1, 2)
	_, ok = d.Poll(ctx)
	assert.True(t, ok)
	assert.Equal(t, 3, q.count())
}

func TestUnreadableTitleFallsBackToHash(t *testing.T) {
	screen := &fakeScreen{title: 0xabc, preview: 1, textErr: device.ErrNoText}
	q := &fakeQueue{}
	d := newDetector(screen, q, &fakeFlags{}, &clock{now: time.Unix(1000, 0)})

	d.Poll(context.Background())
	screen.set(0xabc, 2)
	det, ok := d.Poll(context.Background())
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("%016x", uint64(0xabc)), det.Key)
	assert.Zero(t, det.Staleness)
}

func TestCaptureErrorIsNotAChange(t *testing.T) {
	screen := &fakeScreen{hashErr: errors.New("no display")}
	d := newDetector(screen, &fakeQueue{}, &fakeFlags{}, &clock{now: time.Unix(1000, 0)})
	_, ok := d.Poll(context.Background())
	assert.False(t, ok)
}

func TestRunSkipsWhileSuspendedAndRebaselines(t *testing.T) {
	defer goleak.VerifyNone(t)

	screen := &fakeScreen{title: 1, preview: 1, text: "엄마"}
	q := &fakeQueue{}
	flags := &fakeFlags{}
	d := New(Config{Title: titleRegion, Preview: previewRegion, Poll: 2 * time.Millisecond}, screen, q, nil, flags)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	flags.suspended.Store(true)
	time.Sleep(10 * time.Millisecond)
	screen.set(5, 5)
	time.Sleep(20 * time.Millisecond)
	flags.suspended.Store(false)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, q.count(), "changes made while suspended are absorbed into the new baseline")

	screen.set(5, 6)
	require.Eventually(t, func() bool { return q.count() == 1 }, time.Second, 2*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
