// Package pilot wires the detector, the queue, the session watcher and the
// decision protocol into one running process.
package pilot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatpilot/chatpilot/internal/chat"
	"github.com/chatpilot/chatpilot/internal/config"
	"github.com/chatpilot/chatpilot/internal/control"
	"github.com/chatpilot/chatpilot/internal/detect"
	"github.com/chatpilot/chatpilot/internal/device"
	"github.com/chatpilot/chatpilot/internal/logging"
	"github.com/chatpilot/chatpilot/internal/metrics"
	"github.com/chatpilot/chatpilot/internal/platform"
	"github.com/chatpilot/chatpilot/internal/protocol"
	"github.com/chatpilot/chatpilot/internal/queue"
	"github.com/chatpilot/chatpilot/internal/remote"
	"github.com/chatpilot/chatpilot/internal/statedb"
	"github.com/chatpilot/chatpilot/internal/store"
	"github.com/chatpilot/chatpilot/internal/watch"
	"github.com/chatpilot/chatpilot/internal/web"
	"github.com/chatpilot/chatpilot/internal/workpool"
)

var pilotLog = logging.ForComponent(logging.CompPilot)

const (
	heartbeatInterval = 10 * time.Second
	instanceTimeout   = 30 * time.Second
)

var (
	// ErrAlreadyRunning means another pilot holds the screen.
	ErrAlreadyRunning = errors.New("pilot: another instance is already running")
	// ErrNoIdentity means identity.name is not configured.
	ErrNoIdentity = errors.New("pilot: identity.name is not configured")
)

// Pilot owns every long-running loop.
type Pilot struct {
	cfg        *config.Config
	cfgPath    string
	cfgWatcher *config.Watcher

	flags      *control.Flags
	classifier *chat.Classifier
	store      *store.Store
	queue      *queue.Queue
	detector   *detect.Detector
	console    *device.Console
	protocol   *protocol.Protocol
	pool       *workpool.Pool
	metrics    *metrics.Metrics
	history    *statedb.StateDB
	web        *web.Server

	screen    device.Screen
	actuator  device.Actuator
	oracle    remote.Oracle
	generator remote.Generator
}

// Option replaces a collaborator normally built from configuration.
type Option func(*Pilot)

func WithScreen(s device.Screen) Option       { return func(p *Pilot) { p.screen = s } }
func WithActuator(a device.Actuator) Option   { return func(p *Pilot) { p.actuator = a } }
func WithOracle(o remote.Oracle) Option       { return func(p *Pilot) { p.oracle = o } }
func WithGenerator(g remote.Generator) Option { return func(p *Pilot) { p.generator = g } }
func WithHistory(db *statedb.StateDB) Option  { return func(p *Pilot) { p.history = db } }
func WithMetrics(m *metrics.Metrics) Option   { return func(p *Pilot) { p.metrics = m } }

// WithConfigPath watches path and hot-applies changes while running.
func WithConfigPath(path string) Option { return func(p *Pilot) { p.cfgPath = path } }

// New builds a pilot from cfg. Collaborators not supplied as options are
// built from configuration; history is opened when enabled.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Pilot, error) {
	if cfg.Identity.Name == "" {
		return nil, ErrNoIdentity
	}

	p := &Pilot{cfg: cfg, flags: &control.Flags{}}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.New()
	}

	if err := p.buildDevices(); err != nil {
		return nil, err
	}
	if err := p.buildRemote(ctx); err != nil {
		return nil, err
	}
	if p.history == nil && cfg.History.Enabled {
		db, err := statedb.Open(cfg.History.DBPath())
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate history: %w", err)
		}
		p.history = db
	}

	normalizer := chat.NewKeyNormalizer(cfg.Identity.Scripts...)
	p.classifier = chat.NewClassifier(normalizer, cfg.Relationships.Lists())
	p.store = store.New(p.classifier)
	p.pool = workpool.New(cfg.Workers.MaxConcurrency)

	p.queue = queue.New(p.handle, p.flags,
		queue.WithTick(cfg.Timing.QueueTick.Std()),
		queue.WithRecorder(p.metrics),
	)

	margin := cfg.Screen.CaptureMargin
	p.detector = detect.New(detect.Config{
		Title:      cfg.Screen.ListTitle.Inset(margin),
		Preview:    cfg.Screen.ListPreview.Inset(margin),
		Poll:       cfg.Timing.ListPoll.Std(),
		Cooldown:   cfg.Timing.Cooldown.Std(),
		HashWindow: cfg.Timing.HashWindow.Std(),
		Normalizer: normalizer,
	}, p.screen, p.queue, p.store, p.flags, detect.WithMetrics(p.metrics))

	popts := []protocol.Option{protocol.WithMetrics(p.metrics)}
	if p.history != nil {
		popts = append(popts, protocol.WithHistory(p.history))
	}
	p.protocol = protocol.New(protocol.Config{
		Identity:    cfg.Identity.Name,
		SplitMarker: cfg.Policy.SplitMarker,
		MaxRounds:   cfg.Policy.MaxRounds,
		GraceWindow: cfg.Timing.GraceWindow.Std(),
		Settle:      cfg.Timing.Settle.Std(),
		FinishPause: cfg.Timing.FinishPause.Std(),
	}, protocol.Deps{
		Oracle:    p.oracle,
		Generator: p.generator,
		Console:   p.console,
		Store:     p.store,
		Queue:     p.queue,
		Flags:     p.flags,
		Pool:      p.pool,
	}, popts...)

	if p.cfgPath != "" {
		p.cfgWatcher = config.NewWatcher(p.cfgPath, cfg, p.ApplyConfig)
	}

	if cfg.Web.Enabled {
		wcfg := web.Config{
			ListenAddr: cfg.Web.Listen,
			Token:      cfg.Web.Token,
			ReadOnly:   cfg.Web.ReadOnly,
			Queue:      p.queue,
			Sessions:   p.store,
			Control:    p.flags,
			Feed:       logging.GlobalFeed(),
			Metrics:    p.metrics,
		}
		if p.history != nil {
			wcfg.History = p.history
		}
		p.web = web.NewServer(wcfg)
	}
	return p, nil
}

func (p *Pilot) buildDevices() error {
	cfg := p.cfg
	if p.screen == nil {
		capture := cfg.Sensor.CaptureCommand
		if len(capture) == 0 {
			capture = device.DefaultCaptureCommand()
		}
		capturer, err := device.NewCommandCapturer(capture, nil)
		if err != nil {
			return fmt.Errorf("screen capture: %w", err)
		}
		ocr, err := device.NewCommandOCR(cfg.Sensor.OCRCommand, cfg.Sensor.Preprocess, nil)
		if err != nil {
			return fmt.Errorf("text recognition: %w", err)
		}
		p.screen = device.NewImageScreen(capturer, ocr)
	}
	if p.actuator == nil {
		display := platform.Display(cfg.Actuator.Display)
		if display == "" {
			display = platform.DetectDisplay()
		}
		p.actuator = device.NewCommandActuator(display, nil)
	}

	modifier := cfg.Screen.Modifier
	if modifier == "" && platform.Detect() == platform.PlatformMacOS {
		modifier = "cmd"
	}
	p.console = device.NewConsole(p.actuator, p.screen, p.flags, device.Layout{
		ListEntry:  cfg.Screen.ListEntry,
		Search:     cfg.Screen.Search,
		Pane:       cfg.Screen.Pane,
		ChatInput:  cfg.Screen.ChatInput,
		SendButton: cfg.Screen.SendButton,
		Finish:     cfg.Screen.Finish,
		OpenMode:   cfg.Screen.OpenMode,
		Modifier:   modifier,
	}, device.WithTiming(device.Timing{
		OpenSettle:  cfg.Timing.OpenSettle.Std(),
		ClickSettle: cfg.Timing.ClickSettle.Std(),
		KeySettle:   cfg.Timing.KeySettle.Std(),
		PreSend:     cfg.Timing.PreSend.Std(),
	}))
	return nil
}

func (p *Pilot) buildRemote(ctx context.Context) error {
	if p.oracle == nil {
		c, err := remote.NewCompleter(ctx, p.cfg.Oracle.Service())
		if err != nil {
			return fmt.Errorf("oracle: %w", err)
		}
		p.oracle = remote.NewOracle(c, remote.LoadPrompt(p.cfg.Oracle.PromptFile, ""))
	}
	if p.generator == nil {
		c, err := remote.NewCompleter(ctx, p.cfg.Generator.Service())
		if err != nil {
			return fmt.Errorf("generator: %w", err)
		}
		p.generator = remote.NewGenerator(c, remote.LoadPrompt(p.cfg.Generator.PromptFile, ""), p.cfg.Identity.Name)
	}
	return nil
}

// Flags exposes the shared watch flags.
func (p *Pilot) Flags() *control.Flags { return p.flags }

// Store exposes the session store.
func (p *Pilot) Store() *store.Store { return p.store }

// Queue exposes the delay queue.
func (p *Pilot) Queue() *queue.Queue { return p.queue }

// current returns the live configuration, reloaded from disk when watched.
func (p *Pilot) current() *config.Config {
	if p.cfgWatcher != nil {
		return p.cfgWatcher.Current()
	}
	return p.cfg
}

// ApplyConfig hot-applies the settings that do not need a restart. Watch
// timings and the oracle bypass policy are read per session.
func (p *Pilot) ApplyConfig(cfg *config.Config) {
	p.classifier.Update(cfg.Relationships.Lists())
	pilotLog.Info("config_applied")
	logging.GlobalFeed().Printf(logging.CompConfig, "configuration reloaded")
}

// Run blocks until ctx ends or a loop fails. It returns ErrAlreadyRunning
// when another live pilot is recorded in the history database.
func (p *Pilot) Run(ctx context.Context) error {
	if p.history != nil {
		if err := p.history.RegisterInstance(); err != nil {
			return fmt.Errorf("register instance: %w", err)
		}
		primary, err := p.history.ElectPrimary(instanceTimeout)
		if err != nil {
			_ = p.history.UnregisterInstance()
			return fmt.Errorf("elect primary: %w", err)
		}
		if !primary {
			_ = p.history.UnregisterInstance()
			return ErrAlreadyRunning
		}
		defer func() {
			_ = p.history.ResignPrimary()
			_ = p.history.UnregisterInstance()
		}()
	}

	pilotLog.Info("pilot_started",
		"pid", os.Getpid(),
		"identity", p.cfg.Identity.Name,
		"workers", p.pool.Size(),
		"history", p.history != nil,
		"web", p.web != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		delay := p.cfg.Timing.StartupDelay.Std()
		logging.GlobalFeed().Printf(logging.CompPilot, "watching starts in %s", delay)
		if err := device.Sleep(gctx, delay); err != nil {
			return err
		}
		logging.GlobalFeed().Printf(logging.CompPilot, "watching chat list")
		return p.detector.Run(gctx)
	})
	g.Go(func() error { return p.queue.Run(gctx) })
	g.Go(func() error { return p.protocol.Run(gctx) })
	if p.cfgWatcher != nil {
		g.Go(func() error {
			if err := p.cfgWatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				pilotLog.Warn("config_watch_failed", "error", err)
			}
			return nil
		})
	}
	if p.web != nil {
		g.Go(func() error { return p.web.Run(gctx) })
	}
	if p.history != nil {
		g.Go(func() error { return p.heartbeat(gctx) })
	}

	err := g.Wait()
	p.pool.Wait()
	pilotLog.Info("pilot_stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Pilot) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.history.Heartbeat(); err != nil {
				pilotLog.Warn("heartbeat_failed", "error", err)
			}
			if err := p.history.CleanDeadInstances(instanceTimeout * 2); err != nil {
				pilotLog.Debug("instance_cleanup_failed", "error", err)
			}
		}
	}
}

// handle is the queue handler: it opens the session and watches it until the
// session is finished, the pane becomes unreadable or ctx ends.
func (p *Pilot) handle(ctx context.Context, key string) {
	p.flags.SuspendListWatch()
	defer p.flags.ResumeListWatch()

	cfg := p.current()
	logging.GlobalFeed().Printf(logging.CompPilot, "opening %s", key)
	if err := p.console.OpenSession(ctx, key); err != nil {
		pilotLog.Warn("open_session_failed", "key", key, "error", err)
		logging.GlobalFeed().Printf(logging.CompPilot, "could not open %s", key)
		p.queue.Remove(key)
		return
	}

	w := watch.New(key, watch.Config{
		Tick:           cfg.Timing.RoomTick.Std(),
		StaleThreshold: cfg.Timing.StaleThreshold.Std(),
		Identity:       cfg.Identity.Name,
		OracleBypass:   cfg.Policy.OracleBypassOnStale,
	}, p.console, p.store, p.flags, p.protocol)

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		pilotLog.Warn("watch_failed", "key", key, "error", err)
	}
}

// Close releases the history database.
func (p *Pilot) Close() error {
	if p.history != nil {
		return p.history.Close()
	}
	return nil
}
