package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
)

// FeedLineWidth is the display width status lines are truncated to.
const FeedLineWidth = 160

// Line is one human-readable status line.
type Line struct {
	At        time.Time `json:"at"`
	Component string    `json:"component"`
	Text      string    `json:"text"`
}

func (l Line) String() string {
	return fmt.Sprintf("[%s] [%s] %s", l.At.Format("15:04:05"), l.Component, l.Text)
}

// Feed is the observability sink consumed by the dashboard. It keeps the most
// recent lines in a fixed-size ring and fans new lines out to subscribers.
// A nil *Feed discards everything.
type Feed struct {
	mu     sync.Mutex
	lines  []Line
	next   int
	full   bool
	subs   map[chan Line]struct{}
	closed bool
}

// NewFeed creates a feed retaining up to size lines.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 500
	}
	return &Feed{
		lines: make([]Line, size),
		subs:  make(map[chan Line]struct{}),
	}
}

// Printf formats a status line for component and publishes it.
func (f *Feed) Printf(component, format string, args ...any) {
	if f == nil {
		return
	}
	text := strings.TrimSpace(fmt.Sprintf(format, args...))
	text = strings.ReplaceAll(text, "\n", " ")
	text = runewidth.Truncate(text, FeedLineWidth, "...")
	f.Publish(Line{At: time.Now(), Component: component, Text: text})
}

// Publish appends a line and delivers it to subscribers. Slow subscribers miss
// lines rather than blocking the publisher.
func (f *Feed) Publish(line Line) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	f.lines[f.next] = line
	f.next++
	if f.next == len(f.lines) {
		f.next = 0
		f.full = true
	}

	for ch := range f.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Lines returns up to n most recent lines, oldest first. n <= 0 returns all.
func (f *Feed) Lines(n int) []Line {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var ordered []Line
	if f.full {
		ordered = make([]Line, 0, len(f.lines))
		ordered = append(ordered, f.lines[f.next:]...)
		ordered = append(ordered, f.lines[:f.next]...)
	} else {
		ordered = make([]Line, f.next)
		copy(ordered, f.lines[:f.next])
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Subscribe returns a channel receiving every line published after the call.
// The cancel func unsubscribes and closes the channel.
func (f *Feed) Subscribe() (<-chan Line, func()) {
	ch := make(chan Line, 64)
	if f == nil {
		close(ch)
		return ch, func() {}
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
			}
			f.mu.Unlock()
		})
	}
}

// Close disconnects all subscribers. Later publishes are dropped.
func (f *Feed) Close() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
		delete(f.subs, ch)
	}
}
