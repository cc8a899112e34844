package logging

import (
	"cmp"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

type aggregateKey struct {
	Component string
	Event     string
}

type aggregateEntry struct {
	Count  int64
	First  time.Time
	Last   time.Time
	Fields []slog.Attr
}

// Aggregator batches high-frequency events (suppressed detections, busy-skipped
// ticks) and emits one summary record per event type every interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[aggregateKey]*aggregateEntry
	now     func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs seconds.
// A nil logger drops everything recorded.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		entries:  make(map[aggregateKey]*aggregateEntry),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the background flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Flush()
			case <-a.done:
				return
			}
		}
	}()
}

// Stop ends the flush goroutine and writes whatever is still pending.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
	a.wg.Wait()
	a.Flush()
}

// Record counts one occurrence. The fields of the latest call are kept.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	key := aggregateKey{Component: component, Event: event}
	entry, ok := a.entries[key]
	if !ok {
		entry = &aggregateEntry{First: now}
		a.entries[key] = entry
	}
	entry.Count++
	entry.Last = now
	if len(fields) > 0 {
		entry.Fields = fields
	}
}

// Flush emits one event_summary record per recorded event type.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	if len(a.entries) == 0 {
		a.mu.Unlock()
		return
	}
	entries := a.entries
	a.entries = make(map[aggregateKey]*aggregateEntry)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}

	keys := slices.SortedFunc(maps.Keys(entries), func(x, y aggregateKey) int {
		return cmp.Or(cmp.Compare(x.Component, y.Component), cmp.Compare(x.Event, y.Event))
	})

	for _, key := range keys {
		entry := entries[key]
		attrs := []any{
			slog.String("component", key.Component),
			slog.String("event", key.Event),
			slog.Int64("count", entry.Count),
			slog.Int("window_seconds", int(a.interval.Seconds())),
		}
		if entry.Count > 1 {
			attrs = append(attrs, slog.Duration("span", entry.Last.Sub(entry.First)))
		}
		for _, f := range entry.Fields {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}
