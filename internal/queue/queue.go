// Package queue schedules sessions that need attention. Each session waits
// for a delay derived from how stale it is, then ready sessions are handled
// one at a time in arrival order.
package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/chatpilot/chatpilot/internal/logging"
)

var queueLog = logging.ForComponent(logging.CompQueue)

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
)

// DefaultTick is the scheduling loop interval.
const DefaultTick = 500 * time.Millisecond

// Entry is one scheduled session.
type Entry struct {
	Key        string
	DueTime    time.Time
	Status     Status
	EnqueuedAt time.Time

	seq uint64
}

// EntryStatus is the observable view of an entry.
type EntryStatus struct {
	Key        string        `json:"key"`
	Status     Status        `json:"status"`
	Remaining  time.Duration `json:"remaining"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// Handler handles one session. The entry is removed when it returns unless it
// was already removed or replaced.
type Handler func(ctx context.Context, key string)

// Gate reports whether a session watch is live; no entry is selected while it is.
type Gate interface {
	RoomWatchActive() bool
}

// Recorder receives queue depth by status after every change.
type Recorder interface {
	QueueDepth(status string, n int)
}

// Queue is safe for concurrent use.
type Queue struct {
	handler  Handler
	gate     Gate
	recorder Recorder
	now      func() time.Time
	rnd      func() float64
	tick     time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
	seq     uint64
	// handlers counts started handlers that have not returned; a removed
	// entry still holds the pane until its handler is done.
	handlers int

	wg sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }
func WithRand(rnd func() float64) Option { return func(q *Queue) { q.rnd = rnd } }
func WithTick(d time.Duration) Option { return func(q *Queue) { q.tick = d } }
func WithRecorder(r Recorder) Option { return func(q *Queue) { q.recorder = r } }

// New creates a queue. gate may be nil.
func New(handler Handler, gate Gate, opts ...Option) *Queue {
	q := &Queue{
		handler: handler,
		gate:    gate,
		now:     time.Now,
		rnd:     rand.Float64,
		tick:    DefaultTick,
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Delay computes the wait for sinceLast with the queue's random source.
func (q *Queue) Delay(sinceLast time.Duration) time.Duration {
	return Delay(sinceLast, q.rnd)
}

// Enqueue schedules key. It is a no-op returning false if key is already queued.
func (q *Queue) Enqueue(key string, sinceLast time.Duration) bool {
	q.mu.Lock()
	if _, exists := q.entries[key]; exists {
		q.mu.Unlock()
		queueLog.Debug("enqueue_duplicate", "key", key)
		return false
	}
	now := q.now()
	delay := q.Delay(sinceLast)
	q.seq++
	q.entries[key] = &Entry{
		Key:        key,
		DueTime:    now.Add(delay),
		Status:     StatusPending,
		EnqueuedAt: now,
		seq:        q.seq,
	}
	q.recordLocked()
	q.mu.Unlock()

	queueLog.Info("enqueued", "key", key, "since_last", sinceLast.String(), "delay", delay.String())
	logging.GlobalFeed().Printf(logging.CompQueue, "queued %s (due in %.1fs)", key, delay.Seconds())
	return true
}

// Tick runs one scheduling step: promotes due entries, then starts the
// oldest waiting entry if nothing is processing and no room watch is live.
// It returns the key it started, or "".
func (q *Queue) Tick(ctx context.Context) string {
	q.mu.Lock()
	now := q.now()
	processing := false
	var waiting []*Entry
	for _, e := range q.entries {
		if e.Status == StatusPending && !now.Before(e.DueTime) {
			e.Status = StatusWaiting
			queueLog.Debug("promoted", "key", e.Key)
		}
		switch e.Status {
		case StatusProcessing:
			processing = true
		case StatusWaiting:
			waiting = append(waiting, e)
		}
	}
	if processing || q.handlers > 0 || len(waiting) == 0 || (q.gate != nil && q.gate.RoomWatchActive()) {
		q.recordLocked()
		q.mu.Unlock()
		return ""
	}

	sort.Slice(waiting, func(i, j int) bool {
		if !waiting[i].EnqueuedAt.Equal(waiting[j].EnqueuedAt) {
			return waiting[i].EnqueuedAt.Before(waiting[j].EnqueuedAt)
		}
		return waiting[i].seq < waiting[j].seq
	})
	head := waiting[0]
	head.Status = StatusProcessing
	q.handlers++
	q.recordLocked()
	q.mu.Unlock()

	queueLog.Info("processing", "key", head.Key, "waited", now.Sub(head.EnqueuedAt).String())
	logging.GlobalFeed().Printf(logging.CompQueue, "handling %s (%d waiting)", head.Key, len(waiting)-1)

	q.wg.Add(1)
	go q.handle(ctx, head)
	return head.Key
}

func (q *Queue) handle(ctx context.Context, e *Entry) {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			queueLog.Error("handler_panic", "key", e.Key, "panic", fmt.Sprint(r))
		}
		q.complete(e)
	}()
	if q.handler != nil {
		q.handler(ctx, e.Key)
	}
}

// complete releases the handler slot and removes e if it is still the
// processing entry for its key.
func (q *Queue) complete(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers--
	if cur, ok := q.entries[e.Key]; ok && cur == e && cur.Status == StatusProcessing {
		delete(q.entries, e.Key)
		q.recordLocked()
		queueLog.Info("handled", "key", e.Key)
	}
}

// Run ticks until ctx is done, then waits for a running handler.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()
	defer q.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.safeTick(ctx)
		}
	}
}

func (q *Queue) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			queueLog.Error("tick_panic", "panic", fmt.Sprint(r))
		}
	}()
	q.Tick(ctx)
}

// Wait blocks until every started handler has returned.
func (q *Queue) Wait() { q.wg.Wait() }

// Remove deletes key unconditionally. It reports whether an entry existed.
func (q *Queue) Remove(key string) bool {
	q.mu.Lock()
	_, ok := q.entries[key]
	delete(q.entries, key)
	if ok {
		q.recordLocked()
	}
	q.mu.Unlock()

	if ok {
		queueLog.Info("removed", "key", key)
		logging.GlobalFeed().Printf(logging.CompQueue, "removed %s", key)
	}
	return ok
}

// Get returns a copy of the entry for key.
func (q *Queue) Get(key string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[key]; ok {
		return *e, true
	}
	return Entry{}, false
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot lists every entry in arrival order.
func (q *Queue) Snapshot() []EntryStatus {
	q.mu.Lock()
	now := q.now()
	entries := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]EntryStatus, 0, len(entries))
	for _, e := range entries {
		remaining := e.DueTime.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, EntryStatus{Key: e.Key, Status: e.Status, Remaining: remaining, EnqueuedAt: e.EnqueuedAt})
	}
	q.mu.Unlock()
	return out
}

func (q *Queue) recordLocked() {
	if q.recorder == nil {
		return
	}
	counts := map[Status]int{StatusPending: 0, StatusWaiting: 0, StatusProcessing: 0}
	for _, e := range q.entries {
		counts[e.Status]++
	}
	for status, n := range counts {
		q.recorder.QueueDepth(string(status), n)
	}
}
