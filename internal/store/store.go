// Package store keeps the latest known transcript per session and publishes
// an event whenever a stored transcript actually changes.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/chatpilot/chatpilot/internal/chat"
	"github.com/chatpilot/chatpilot/internal/logging"
)

var storeLog = logging.ForComponent(logging.CompStore)

// Classifier derives the relationship class of a session key.
type Classifier interface {
	Classify(key string) chat.Relationship
}

// Record is the stored state of one session.
type Record struct {
	Key          string
	Transcript   string
	LastSpeaker  string
	Relationship chat.Relationship
	UpdatedAt    time.Time
	// Version increases by one on every content change.
	Version uint64
}

// Event announces a content change.
type Event struct {
	Key        string
	Transcript string
	// Echo marks writes of the automation's own output.
	Echo    bool
	Version uint64
	At      time.Time
}

// Store is safe for concurrent use.
type Store struct {
	classifier Classifier
	now        func() time.Time

	mu      sync.RWMutex
	records map[string]*Record
	subs    map[*Subscription]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store. classifier may be nil (every key is STRANGER).
func New(classifier Classifier, opts ...Option) *Store {
	s := &Store{
		classifier: classifier,
		now:        time.Now,
		records:    make(map[string]*Record),
		subs:       make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type writeOptions struct {
	echo bool
}

// WriteOption modifies a single Replace call.
type WriteOption func(*writeOptions)

// AsEcho marks the write as the automation's own output.
func AsEcho() WriteOption {
	return func(o *writeOptions) { o.echo = true }
}

// Replace stores transcript for key. It reports whether the content changed,
// and publishes an Event exactly when it did.
func (s *Store) Replace(key, transcript string, opts ...WriteOption) bool {
	var wo writeOptions
	for _, opt := range opts {
		opt(&wo)
	}

	s.mu.Lock()
	rec, ok := s.records[key]
	if ok && rec.Transcript == transcript {
		s.mu.Unlock()
		return false
	}
	if !ok {
		rec = &Record{Key: key}
		s.records[key] = rec
	}
	now := s.now()
	rec.Transcript = transcript
	rec.LastSpeaker = chat.LastSpeaker(transcript)
	rec.UpdatedAt = now
	rec.Version++

	ev := Event{Key: key, Transcript: transcript, Echo: wo.echo, Version: rec.Version, At: now}
	// Published under the lock so per-key order matches write order.
	for sub := range s.subs {
		sub.push(ev)
	}
	subscribers := len(s.subs)
	s.mu.Unlock()

	storeLog.Debug("transcript_replaced", "key", key, "version", ev.Version, "echo", ev.Echo, "subscribers", subscribers)
	return true
}

// Get returns a copy of the record for key.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.RLock()
	rec, ok := s.records[key]
	var out Record
	if ok {
		out = *rec
	}
	s.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	out.Relationship = s.classify(key)
	return out, true
}

// Transcript returns the stored transcript for key, "" if unknown.
func (s *Store) Transcript(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[key]; ok {
		return rec.Transcript
	}
	return ""
}

// Version returns the content version for key, 0 if unknown.
func (s *Store) Version(key string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[key]; ok {
		return rec.Version
	}
	return 0
}

// Snapshot returns all records ordered by key.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	for i := range out {
		out[i].Relationship = s.classify(out[i].Key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Keys returns the known session keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Staleness is the time since the last message of key: the newest message
// stamp in the transcript, else the time since the record was written.
// Unknown sessions are zero.
func (s *Store) Staleness(key string, now time.Time) time.Duration {
	s.mu.RLock()
	rec, ok := s.records[key]
	var transcript string
	var updated time.Time
	if ok {
		transcript, updated = rec.Transcript, rec.UpdatedAt
	}
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	if d, ok := chat.Staleness(transcript, now); ok {
		return d
	}
	if d := now.Sub(updated); d > 0 {
		return d
	}
	return 0
}

func (s *Store) classify(key string) chat.Relationship {
	if s.classifier == nil {
		return chat.RelationshipStranger
	}
	return s.classifier.Classify(key)
}
