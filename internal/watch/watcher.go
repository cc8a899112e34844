// Package watch keeps the transcript of the open conversation current and
// applies the stale-session policy.
package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatpilot/chatpilot/internal/chat"
	"github.com/chatpilot/chatpilot/internal/control"
	"github.com/chatpilot/chatpilot/internal/logging"
	"github.com/chatpilot/chatpilot/internal/store"
)

var watchLog = logging.ForComponent(logging.CompWatch)

const (
	DefaultTick           = 100 * time.Millisecond
	DefaultStaleThreshold = 8 * time.Second
	maxReadFailures       = 2
)

// ErrPaneUnreadable ends a watch whose transcript could not be read twice in a row.
var ErrPaneUnreadable = errors.New("watch: conversation pane unreadable")

// Pane reads the open conversation.
type Pane interface {
	ReadPane(ctx context.Context) (string, error)
	PaneHash(ctx context.Context) (uint64, error)
}

// Store receives transcripts.
type Store interface {
	Replace(key, transcript string, opts ...store.WriteOption) bool
}

// Flags scopes the room watch.
type Flags interface {
	BeginRoomWatch(key string) *control.RoomRun
	ActuatorBusy() bool
}

// Decider is the decision protocol as seen from the watcher.
type Decider interface {
	Pending(key string) bool
	// Trigger schedules an oracle round.
	Trigger(key string)
	// Generate schedules a reply without asking the oracle.
	Generate(key string)
	Finish(ctx context.Context, key, reason string)
}

// Config tunes one watch.
type Config struct {
	Tick           time.Duration
	StaleThreshold time.Duration
	// Identity is the user's display name in transcripts.
	Identity string
	// OracleBypass replies directly when the other party spoke last and the
	// session went quiet; otherwise a normal round is triggered.
	OracleBypass bool
}

// Watcher watches one open session.
type Watcher struct {
	key     string
	cfg     Config
	pane    Pane
	store   Store
	flags   Flags
	decider Decider
	now     func() time.Time

	lastHash   uint64
	lastChange time.Time
	failures   int
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(w *Watcher) { w.now = now } }

func New(key string, cfg Config, pane Pane, st Store, flags Flags, decider Decider, opts ...Option) *Watcher {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	w := &Watcher{key: key, cfg: cfg, pane: pane, store: st, flags: flags, decider: decider, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until the run is stopped, ctx ends, the pane cannot be read
// twice in a row, or the session is settled. It returns nil when stopped or
// settled.
func (w *Watcher) Run(ctx context.Context) error {
	run := w.flags.BeginRoomWatch(w.key)
	defer run.End()

	watchLog.Info("watch_started", "key", w.key)
	logging.GlobalFeed().Printf(logging.CompWatch, "watching %s", w.key)
	defer watchLog.Info("watch_ended", "key", w.key)

	w.lastChange = w.now()
	if _, err := w.sync(ctx); err != nil {
		watchLog.Warn("baseline_read_failed", "key", w.key, "error", err)
	}

	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-run.Stopped():
			return nil
		case <-ticker.C:
		}

		done, err := w.step(ctx, run)
		if err != nil {
			if errors.Is(err, ErrPaneUnreadable) {
				logging.GlobalFeed().Printf(logging.CompWatch, "%s closed (pane unreadable)", w.key)
				return err
			}
			watchLog.Warn("watch_step_failed", "key", w.key, "error", err)
		}
		if done {
			return nil
		}
	}
}

// step runs one tick. done is true once the session is settled.
func (w *Watcher) step(ctx context.Context, run *control.RoomRun) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("watch step panic: %v", r)
		}
	}()

	hash, err := w.pane.PaneHash(ctx)
	if err != nil {
		return false, fmt.Errorf("pane hash: %w", err)
	}

	if hash != w.lastHash {
		w.lastHash = hash
		// Our own typing repaints the pane; only the baseline moves.
		if w.flags.ActuatorBusy() {
			return false, nil
		}
		if _, err := w.sync(ctx); err != nil {
			return false, err
		}
		w.lastChange = w.now()
		return false, nil
	}

	if w.now().Sub(w.lastChange) < w.cfg.StaleThreshold {
		return false, nil
	}
	return w.stale(ctx, run)
}

// stale forces a re-read after a quiet period and applies the policy.
func (w *Watcher) stale(ctx context.Context, run *control.RoomRun) (bool, error) {
	if w.flags.ActuatorBusy() {
		return false, nil
	}
	text, err := w.sync(ctx)
	w.lastChange = w.now()
	if err != nil {
		return false, err
	}

	speaker := chat.LastSpeaker(text)
	switch {
	case speaker == "":
		return false, nil
	case speaker == w.cfg.Identity:
		watchLog.Info("session_settled", "key", w.key)
		w.decider.Finish(ctx, w.key, "settled")
		run.Stop()
		return true, nil
	case w.decider.Pending(w.key):
		return false, nil
	case w.cfg.OracleBypass:
		watchLog.Info("stale_reply", "key", w.key, "speaker", speaker)
		logging.GlobalFeed().Printf(logging.CompWatch, "%s waited on by %s, replying", w.key, speaker)
		w.decider.Generate(w.key)
	default:
		watchLog.Info("stale_round", "key", w.key, "speaker", speaker)
		w.decider.Trigger(w.key)
	}
	return false, nil
}

// sync reads the pane into the store and refreshes the pixel baseline so
// the repaint caused by copying is not seen as a change.
func (w *Watcher) sync(ctx context.Context) (string, error) {
	text, err := w.pane.ReadPane(ctx)
	if err != nil {
		w.failures++
		if w.failures >= maxReadFailures {
			return "", fmt.Errorf("%w: %w", ErrPaneUnreadable, err)
		}
		return "", fmt.Errorf("read pane: %w", err)
	}
	w.failures = 0

	if w.store.Replace(w.key, text) {
		watchLog.Debug("transcript_updated", "key", w.key, "len", len(text))
	}
	if h, err := w.pane.PaneHash(ctx); err == nil {
		w.lastHash = h
	}
	return text, nil
}
