// Package detect watches the session list and enqueues the session whose
// preview changed.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatpilot/chatpilot/internal/chat"
	"github.com/chatpilot/chatpilot/internal/device"
	"github.com/chatpilot/chatpilot/internal/logging"
	"github.com/chatpilot/chatpilot/internal/metrics"
)

var detectLog = logging.ForComponent(logging.CompDetect)

const (
	DefaultPoll       = 200 * time.Millisecond
	DefaultCooldown   = 500 * time.Millisecond
	DefaultHashWindow = 5 * time.Second
	errorBackoff      = time.Second
)

// Enqueuer schedules a session.
type Enqueuer interface {
	Enqueue(key string, sinceLast time.Duration) bool
}

// Staleness reports how long ago a session last saw a message.
type Staleness interface {
	Staleness(key string, now time.Time) time.Duration
}

// Flags gates polling.
type Flags interface {
	ListWatchSuspended() bool
	ActuatorBusy() bool
}

// Config holds the list regions and suppression windows.
type Config struct {
	Title      device.Region
	Preview    device.Region
	Poll       time.Duration
	Cooldown   time.Duration
	HashWindow time.Duration
	Normalizer *chat.KeyNormalizer
}

// Detection is one confirmed list change.
type Detection struct {
	Key       string
	Staleness time.Duration
	Hash      uint64
	Enqueued  bool
	At        time.Time
}

// Detector polls the list regions. Poll and Run must not be used concurrently.
type Detector struct {
	cfg     Config
	screen  device.Screen
	queue   Enqueuer
	store   Staleness
	flags   Flags
	metrics *metrics.Metrics
	now     func() time.Time

	baseline     bool
	lastTitle    uint64
	lastPreview  uint64
	lastTrigger  time.Time
	lastCombined uint64
	wasSuspended bool
}

// Option configures a Detector.
type Option func(*Detector)

func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }
func WithMetrics(m *metrics.Metrics) Option { return func(d *Detector) { d.metrics = m } }

func New(cfg Config, screen device.Screen, queue Enqueuer, store Staleness, flags Flags, opts ...Option) *Detector {
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPoll
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.HashWindow <= 0 {
		cfg.HashWindow = DefaultHashWindow
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = chat.NewKeyNormalizer(chat.DefaultScripts...)
	}
	d := &Detector{cfg: cfg, screen: screen, queue: queue, store: store, flags: flags, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Poll runs one tick. It reports a Detection only for a confirmed change.
func (d *Detector) Poll(ctx context.Context) (Detection, bool) {
	det, ok, err := d.poll(ctx)
	if err != nil {
		detectLog.Warn("poll_failed", "error", err)
		return Detection{}, false
	}
	return det, ok
}

// Reset drops the baseline; the next tick only records one.
func (d *Detector) Reset() { d.baseline = false }

func (d *Detector) poll(ctx context.Context) (Detection, bool, error) {
	title, err := d.screen.CaptureHash(ctx, d.cfg.Title)
	if err != nil {
		return Detection{}, false, fmt.Errorf("capture title: %w", err)
	}
	preview, err := d.screen.CaptureHash(ctx, d.cfg.Preview)
	if err != nil {
		return Detection{}, false, fmt.Errorf("capture preview: %w", err)
	}

	if !d.baseline {
		d.baseline = true
		d.lastTitle, d.lastPreview = title, preview
		detectLog.Debug("baseline_set")
		return Detection{}, false, nil
	}

	changed := title != d.lastTitle || preview != d.lastPreview
	d.lastTitle, d.lastPreview = title, preview
	if !changed {
		return Detection{}, false, nil
	}

	// Our own clicks and typing move the list too.
	if d.flags != nil && d.flags.ActuatorBusy() {
		logging.Aggregate(logging.CompDetect, "change_while_busy")
		d.metrics.Detection(metrics.DetectBusy)
		return Detection{}, false, nil
	}

	now := d.now()
	combined := device.Combine(title, preview)
	if !d.lastTrigger.IsZero() {
		since := now.Sub(d.lastTrigger)
		if since < d.cfg.Cooldown || (combined == d.lastCombined && since < d.cfg.HashWindow) {
			logging.Aggregate(logging.CompDetect, "change_suppressed", slog.Duration("since_last", since))
			d.metrics.Detection(metrics.DetectSuppressed)
			return Detection{}, false, nil
		}
	}
	d.lastTrigger = now
	d.lastCombined = combined

	key := d.keyFor(ctx, title)
	det := Detection{Key: key, Hash: combined, At: now}
	if d.store != nil {
		det.Staleness = d.store.Staleness(key, now)
	}
	det.Enqueued = d.queue.Enqueue(key, det.Staleness)

	if det.Enqueued {
		d.metrics.Detection(metrics.DetectEnqueued)
	} else {
		d.metrics.Detection(metrics.DetectDuplicate)
	}
	detectLog.Info("change_detected", "key", key, "staleness", det.Staleness.String(), "enqueued", det.Enqueued)
	logging.GlobalFeed().Printf(logging.CompDetect, "change in %s (last message %s ago)", key, det.Staleness.Round(time.Second))
	return det, true, nil
}

// keyFor reads the title; unreadable titles are keyed by their pixel hash.
func (d *Detector) keyFor(ctx context.Context, titleHash uint64) string {
	text, err := d.screen.CaptureText(ctx, d.cfg.Title)
	if err != nil || text == "" {
		if err != nil && !errors.Is(err, device.ErrNoText) {
			detectLog.Warn("title_ocr_failed", "error", err)
		}
		return fmt.Sprintf("%016x", titleHash)
	}
	return d.cfg.Normalizer.Normalize(text)
}

// Run polls until ctx is done. Suspended ticks are skipped and the baseline
// is re-taken afterwards so the list motion caused by handling a session is
// not reported as a change.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if d.flags != nil && d.flags.ListWatchSuspended() {
			d.wasSuspended = true
			continue
		}
		if d.wasSuspended {
			d.wasSuspended = false
			d.Reset()
		}

		if err := d.safePoll(ctx); err != nil {
			detectLog.Warn("poll_failed", "error", err)
			t := time.NewTimer(errorBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

func (d *Detector) safePoll(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll panic: %v", r)
		}
	}()
	_, _, err = d.poll(ctx)
	return err
}
