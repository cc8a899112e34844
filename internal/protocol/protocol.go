// Package protocol runs decision rounds for open sessions: it asks the
// oracle whether to answer, dispatches generated replies with human pacing,
// and closes sessions that have run their course.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chatpilot/chatpilot/internal/chat"
	"github.com/chatpilot/chatpilot/internal/device"
	"github.com/chatpilot/chatpilot/internal/logging"
	"github.com/chatpilot/chatpilot/internal/metrics"
	"github.com/chatpilot/chatpilot/internal/remote"
	"github.com/chatpilot/chatpilot/internal/store"
	"github.com/chatpilot/chatpilot/internal/workpool"
)

var protoLog = logging.ForComponent(logging.CompProtocol)

// Tag is the oracle's urgency decision.
type Tag = remote.Tag

const (
	TagInstant = remote.TagInstant
	TagWait    = remote.TagWait
	TagFinish  = remote.TagFinish
)

const (
	DefaultGraceWindow = 8 * time.Second
	DefaultSettle      = 500 * time.Millisecond
	DefaultFinishPause = 500 * time.Millisecond
	DefaultMaxRounds   = 5
)

var (
	// ErrAbandoned is returned when no message of a reply could be sent.
	ErrAbandoned = errors.New("protocol: dispatch failed, session abandoned")
	// ErrNotOpen is returned when a reply targets a session that is not the
	// open conversation.
	ErrNotOpen = errors.New("protocol: session is not open")
)

// Console drives the open conversation.
type Console interface {
	ReadPane(ctx context.Context) (string, error)
	Send(ctx context.Context, text string) error
	Close(ctx context.Context) error
}

// Store is the session store as seen by the protocol.
type Store interface {
	Get(key string) (store.Record, bool)
	Replace(key, transcript string, opts ...store.WriteOption) bool
	Subscribe() *store.Subscription
}

// Queue is the delay queue as seen by the protocol.
type Queue interface {
	Remove(key string) bool
}

// Flags are the watch switches the protocol touches.
type Flags interface {
	ActiveRoom() string
	StopRoomWatch(key string) bool
	ResumeListWatch()
	HoldActuator() (release func())
}

// History receives the audit trail. Failures are logged and ignored.
type History interface {
	RecordDecision(ctx context.Context, key, tag, transcript string, cause error) error
	RecordDispatch(ctx context.Context, key, text string, sendErr error) error
	RecordTranscript(ctx context.Context, key, transcript string) error
	RecordFinish(ctx context.Context, key, reason string) error
}

// Config tunes the protocol.
type Config struct {
	// Identity is the user's display name in transcripts.
	Identity    string
	SplitMarker string
	// MaxRounds bounds how many replies one round may chain when the other
	// party keeps talking.
	MaxRounds   int
	GraceWindow time.Duration
	Settle      time.Duration
	FinishPause time.Duration
}

// Deps are the collaborators every Protocol needs.
type Deps struct {
	Oracle    remote.Oracle
	Generator remote.Generator
	Console   Console
	Store     Store
	Queue     Queue
	Flags     Flags
	Pool      *workpool.Pool
}

// Protocol is safe for concurrent use.
type Protocol struct {
	cfg     Config
	deps    Deps
	history History
	metrics *metrics.Metrics
	onTag   func(key string, tag Tag)
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	group singleflight.Group
	wg    sync.WaitGroup

	mu     sync.Mutex
	ctx    context.Context
	rounds map[string]int
	rerun  map[string]bool
	grace  map[string]*graceWatch
	seen   map[string]string
	others map[string]uint64
}

// Option configures a Protocol.
type Option func(*Protocol)

func WithHistory(h History) Option          { return func(p *Protocol) { p.history = h } }
func WithMetrics(m *metrics.Metrics) Option { return func(p *Protocol) { p.metrics = m } }
func WithClock(now func() time.Time) Option { return func(p *Protocol) { p.now = now } }

// WithOnTag registers a callback fired exactly once per oracle decision.
func WithOnTag(fn func(key string, tag Tag)) Option { return func(p *Protocol) { p.onTag = fn } }

// WithSleep replaces the pacing sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Protocol) { p.sleep = sleep }
}

func New(cfg Config, deps Deps, opts ...Option) *Protocol {
	if cfg.SplitMarker == "" {
		cfg.SplitMarker = DefaultSplitMarker
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.FinishPause <= 0 {
		cfg.FinishPause = DefaultFinishPause
	}
	if deps.Pool == nil {
		deps.Pool = workpool.New(0)
	}
	p := &Protocol{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		sleep:  device.Sleep,
		ctx:    context.Background(),
		rounds: make(map[string]int),
		rerun:  make(map[string]bool),
		grace:  make(map[string]*graceWatch),
		seen:   make(map[string]string),
		others: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes store events until ctx is done, then waits for scheduled
// rounds and grace watches to return.
func (p *Protocol) Run(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	sub := p.deps.Store.Subscribe()
	defer sub.Close()
	defer p.wg.Wait()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, store.ErrClosed) {
				return nil
			}
			return err
		}
		p.observe(ev)
	}
}

// observe triggers a round for changes that carry something the other party
// wrote. Echoes and repaints of the user's own messages only move the
// reference transcript.
func (p *Protocol) observe(ev store.Event) {
	p.mu.Lock()
	prev, known := p.seen[ev.Key]
	p.seen[ev.Key] = ev.Transcript
	if ev.Echo {
		p.mu.Unlock()
		return
	}
	if known && !chat.OtherSpokeSince(prev, ev.Transcript, p.cfg.Identity) {
		p.mu.Unlock()
		protoLog.Debug("own_change_ignored", "key", ev.Key, "version", ev.Version)
		return
	}
	p.others[ev.Key]++
	g := p.grace[ev.Key]
	delete(p.grace, ev.Key)
	p.mu.Unlock()

	if g != nil {
		g.stop()
		logging.GlobalFeed().Printf(logging.CompProtocol, "%s spoke again, grace cancelled", ev.Key)
	}
	p.Trigger(ev.Key)
}

// Trigger schedules an oracle round for key. Rounds are single-flight per
// key; a trigger that arrives mid-round runs one more round afterwards.
func (p *Protocol) Trigger(key string) { p.schedule(key, false) }

// Generate schedules a reply for key without asking the oracle.
func (p *Protocol) Generate(key string) { p.schedule(key, true) }

// Pending reports whether a round is scheduled or running for key, or a
// grace watch is waiting on it.
func (p *Protocol) Pending(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rounds[key] > 0 || p.grace[key] != nil
}

func (p *Protocol) schedule(key string, direct bool) {
	p.mu.Lock()
	ctx := p.ctx
	if p.rounds[key] > 0 {
		p.rerun[key] = true
	}
	p.rounds[key]++
	p.mu.Unlock()

	done := p.deps.Pool.Go(ctx, "round:"+key, func(ctx context.Context) error {
		p.converse(ctx, key, direct)
		return nil
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := <-done; err != nil {
			protoLog.Warn("round_not_run", "key", key, "error", err)
		}
		p.mu.Lock()
		if p.rounds[key]--; p.rounds[key] <= 0 {
			delete(p.rounds, key)
		}
		p.mu.Unlock()
	}()
}

func (p *Protocol) converse(ctx context.Context, key string, direct bool) {
	_, _, shared := p.group.Do(key, func() (any, error) {
		for {
			p.takeRerun(key)
			if direct {
				if err := p.Reply(ctx, key); err != nil {
					protoLog.Info("reply_aborted", "key", key, "error", err)
				}
			} else {
				p.Round(ctx, key)
			}
			direct = false
			if ctx.Err() != nil || !p.takeRerun(key) {
				return nil, nil
			}
		}
	})
	if shared {
		protoLog.Debug("round_coalesced", "key", key)
	}
}

func (p *Protocol) takeRerun(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	again := p.rerun[key]
	delete(p.rerun, key)
	return again
}

// Round asks the oracle about key and acts on the tag: WAIT ends the round,
// FINISH closes the session and INSTANT replies.
func (p *Protocol) Round(ctx context.Context, key string) Tag {
	p.metrics.RoundStarted()
	defer p.metrics.RoundEnded()

	tag := p.decide(ctx, key)
	switch tag {
	case TagFinish:
		p.Finish(ctx, key, metrics.FinishTag)
	case TagInstant:
		if err := p.Reply(ctx, key); err != nil {
			protoLog.Info("reply_aborted", "key", key, "error", err)
		}
	}
	return tag
}

// decide calls the oracle. Any failure is WAIT. The tag callback fires once.
func (p *Protocol) decide(ctx context.Context, key string) Tag {
	req := p.request(key, "")
	start := time.Now()
	tag, err := p.askOracle(ctx, req)
	p.metrics.RemoteCall("oracle", time.Since(start).Seconds(), err)
	if err != nil {
		protoLog.Warn("oracle_failed", "key", key, "error", err)
		tag = TagWait
	}
	switch tag {
	case TagInstant, TagWait, TagFinish:
	default:
		protoLog.Warn("oracle_unknown_tag", "key", key, "tag", string(tag))
		tag = TagWait
	}

	p.metrics.Decision(string(tag))
	if p.history != nil {
		if herr := p.history.RecordDecision(ctx, key, string(tag), req.Transcript, err); herr != nil {
			protoLog.Warn("history_write_failed", "key", key, "error", herr)
		}
	}
	if p.onTag != nil {
		p.onTag(key, tag)
	}
	protoLog.Info("decided", "key", key, "tag", string(tag), "relationship", string(req.Relationship))
	logging.GlobalFeed().Printf(logging.CompProtocol, "%s %s", key, tag)
	return tag
}

// askOracle turns an oracle panic into an error.
func (p *Protocol) askOracle(ctx context.Context, req remote.Request) (tag Tag, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("oracle panic: %v", r)
		}
	}()
	return p.deps.Oracle.Decide(ctx, req)
}

// request builds the remote request from transcript, or from the stored one
// when transcript is empty.
func (p *Protocol) request(key, transcript string) remote.Request {
	rel := chat.RelationshipStranger
	if rec, ok := p.deps.Store.Get(key); ok {
		if transcript == "" {
			transcript = rec.Transcript
		}
		if rec.Relationship != "" {
			rel = rec.Relationship
		}
	}
	return remote.Request{
		Key:          key,
		Transcript:   chat.StripDateHeaders(transcript),
		Relationship: rel,
		At:           p.now(),
	}
}

// Reply generates and dispatches a reply, then keeps the conversation going
// while the other party keeps talking, up to MaxRounds replies.
func (p *Protocol) Reply(ctx context.Context, key string) error {
	for n := 1; ; n++ {
		recall, err := p.dispatch(ctx, key)
		if err != nil || !recall {
			return err
		}
		if n >= p.cfg.MaxRounds {
			protoLog.Warn("max_rounds_reached", "key", key, "rounds", n)
			return nil
		}
		switch p.decide(ctx, key) {
		case TagInstant:
		case TagFinish:
			p.Finish(ctx, key, metrics.FinishTag)
			return nil
		default:
			return nil
		}
	}
}

// dispatch sends one generated reply. recall reports whether the other party
// spoke during dispatch or has the last word, so another round is due.
func (p *Protocol) dispatch(ctx context.Context, key string) (recall bool, err error) {
	if room := p.deps.Flags.ActiveRoom(); room != key {
		return false, fmt.Errorf("%w: %s (open: %q)", ErrNotOpen, key, room)
	}

	before, err := p.deps.Console.ReadPane(ctx)
	if err != nil {
		rec, ok := p.deps.Store.Get(key)
		if !ok {
			return false, fmt.Errorf("snapshot %s: %w", key, err)
		}
		protoLog.Warn("snapshot_from_store", "key", key, "error", err)
		before = rec.Transcript
	}
	p.mu.Lock()
	othersBefore := p.others[key]
	p.mu.Unlock()

	req := p.request(key, before)
	start := time.Now()
	text, err := p.deps.Generator.Generate(ctx, req)
	p.metrics.RemoteCall("generator", time.Since(start).Seconds(), err)
	if err != nil {
		return false, fmt.Errorf("generate %s: %w", key, err)
	}
	msgs := Split(text, p.cfg.SplitMarker)
	if len(msgs) == 0 {
		return false, fmt.Errorf("generate %s: %w", key, remote.ErrEmptyResponse)
	}

	release := p.deps.Flags.HoldActuator()
	after, sent, err := p.send(ctx, key, msgs)
	release()
	if err != nil {
		return false, err
	}
	if sent == 0 {
		p.abandon(ctx, key)
		return false, fmt.Errorf("%s: %w", key, ErrAbandoned)
	}

	p.deps.Store.Replace(key, after, store.AsEcho())
	p.takeRerun(key)
	if p.history != nil {
		if herr := p.history.RecordTranscript(ctx, key, after); herr != nil {
			protoLog.Warn("history_write_failed", "key", key, "error", herr)
		}
	}

	p.mu.Lock()
	storeMoved := p.others[key] != othersBefore
	p.mu.Unlock()
	interrupted := storeMoved || chat.OtherSpokeSince(before, after, p.cfg.Identity)
	last := chat.LastSpeaker(after)

	protoLog.Info("dispatched", "key", key, "messages", sent, "interrupted", interrupted, "last_speaker", last)
	logging.GlobalFeed().Printf(logging.CompProtocol, "%s <- %d message(s): %s", key, sent, msgs[0])

	if interrupted || last != p.cfg.Identity {
		return true, nil
	}
	p.startGrace(key)
	return false, nil
}

// send types msgs with pacing, settles and re-reads the pane.
func (p *Protocol) send(ctx context.Context, key string, msgs []string) (after string, sent int, err error) {
	for i, msg := range msgs {
		if i > 0 {
			if err := p.sleep(ctx, InputDelay(msg)); err != nil {
				return "", sent, err
			}
		}
		sendErr := p.deps.Console.Send(ctx, msg)
		p.metrics.Dispatched(sendErr == nil)
		if p.history != nil {
			if herr := p.history.RecordDispatch(ctx, key, msg, sendErr); herr != nil {
				protoLog.Warn("history_write_failed", "key", key, "error", herr)
			}
		}
		if sendErr != nil {
			protoLog.Warn("send_failed", "key", key, "index", i, "error", sendErr)
			continue
		}
		sent++
		if err := p.sleep(ctx, SendDelay(msg)); err != nil {
			return "", sent, err
		}
	}
	if sent == 0 {
		return "", 0, nil
	}

	if err := p.sleep(ctx, p.cfg.Settle); err != nil {
		return "", sent, err
	}
	after, err = p.deps.Console.ReadPane(ctx)
	if err != nil {
		return "", sent, fmt.Errorf("re-read %s: %w", key, err)
	}
	return after, sent, nil
}

// Finish closes the conversation for key if it is open, stops its watch,
// drops its queue entry and resumes the list watch.
func (p *Protocol) Finish(ctx context.Context, key, reason string) {
	p.cancelGrace(key)

	active := p.deps.Flags.ActiveRoom() == key
	if active {
		if err := p.deps.Console.Close(ctx); err != nil {
			protoLog.Warn("close_failed", "key", key, "error", err)
		}
		_ = p.sleep(ctx, p.cfg.FinishPause)
		p.deps.Flags.StopRoomWatch(key)
	}
	removed := p.deps.Queue.Remove(key)
	p.deps.Flags.ResumeListWatch()

	if !active && !removed {
		protoLog.Debug("finish_noop", "key", key, "reason", reason)
		return
	}
	p.finished(ctx, key, reason)
}

// abandon gives up on key without touching the screen.
func (p *Protocol) abandon(ctx context.Context, key string) {
	p.cancelGrace(key)
	p.deps.Flags.StopRoomWatch(key)
	p.deps.Queue.Remove(key)
	p.deps.Flags.ResumeListWatch()
	p.finished(ctx, key, metrics.FinishAbandon)
}

func (p *Protocol) finished(ctx context.Context, key, reason string) {
	p.metrics.Finished(reason)
	if p.history != nil {
		if err := p.history.RecordFinish(ctx, key, reason); err != nil {
			protoLog.Warn("history_write_failed", "key", key, "error", err)
		}
	}
	protoLog.Info("finished", "key", key, "reason", reason)
	logging.GlobalFeed().Printf(logging.CompProtocol, "%s finished (%s)", key, reason)
}
