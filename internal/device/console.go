package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatpilot/chatpilot/internal/logging"
)

var deviceLog = logging.ForComponent(logging.CompDevice)

// Open modes for OpenSession.
const (
	// OpenClickTop double-clicks the top entry of the session list, which is
	// the session that just changed.
	OpenClickTop = "click_top"
	// OpenSearch types the session key into the list search box.
	OpenSearch = "search"
)

// Layout holds the screen coordinates of the chat client.
type Layout struct {
	ListEntry  Point
	Search     Point
	Pane       Region
	ChatInput  Point
	SendButton Point
	Finish     Point
	OpenMode   string
	// Modifier is the shortcut modifier: "ctrl", or "cmd" on macOS.
	Modifier string
}

// Timing holds the pauses inside composite sequences.
type Timing struct {
	OpenSettle  time.Duration
	ClickSettle time.Duration
	KeySettle   time.Duration
	PreSend     time.Duration
}

// DefaultTiming follows the pauses a person needs for the client to keep up.
func DefaultTiming() Timing {
	return Timing{
		OpenSettle:  700 * time.Millisecond,
		ClickSettle: 200 * time.Millisecond,
		KeySettle:   100 * time.Millisecond,
		PreSend:     time.Second,
	}
}

// Busy grants exclusive use of the actuator. While held, watchers treat
// screen changes as self-caused.
type Busy interface {
	AcquireActuator(ctx context.Context) (release func(), err error)
}

// Console runs the composite actuator sequences on the chat client.
type Console struct {
	act    Actuator
	screen Screen
	busy   Busy
	layout Layout
	timing Timing
	sleep  func(ctx context.Context, d time.Duration) error
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithSleep replaces the pause function (tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ConsoleOption {
	return func(c *Console) { c.sleep = sleep }
}

// WithTiming overrides DefaultTiming.
func WithTiming(t Timing) ConsoleOption {
	return func(c *Console) { c.timing = t }
}

func NewConsole(act Actuator, screen Screen, busy Busy, layout Layout, opts ...ConsoleOption) *Console {
	if layout.Modifier == "" {
		layout.Modifier = "ctrl"
	}
	if layout.OpenMode == "" {
		layout.OpenMode = OpenClickTop
	}
	c := &Console{
		act:    act,
		screen: screen,
		busy:   busy,
		layout: layout,
		timing: DefaultTiming(),
		sleep:  Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Console) acquire(ctx context.Context) (func(), error) {
	if c.busy == nil {
		return func() {}, nil
	}
	release, err := c.busy.AcquireActuator(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire actuator: %w", err)
	}
	return release, nil
}

// OpenSession brings the conversation for key into focus.
func (c *Console) OpenSession(ctx context.Context, key string) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	switch c.layout.OpenMode {
	case OpenSearch:
		if err := c.act.Click(ctx, c.layout.Search); err != nil {
			return fmt.Errorf("open %s: %w", key, err)
		}
		if err := c.sleep(ctx, c.timing.ClickSettle); err != nil {
			return err
		}
		if err := c.paste(ctx, key); err != nil {
			return fmt.Errorf("open %s: %w", key, err)
		}
		if err := c.sleep(ctx, c.timing.ClickSettle); err != nil {
			return err
		}
		if err := c.act.Hotkey(ctx, "enter"); err != nil {
			return fmt.Errorf("open %s: %w", key, err)
		}
	default:
		if err := c.act.DoubleClick(ctx, c.layout.ListEntry); err != nil {
			return fmt.Errorf("open %s: %w", key, err)
		}
	}
	deviceLog.Debug("session_opened", "key", key, "mode", c.layout.OpenMode)
	return c.sleep(ctx, c.timing.OpenSettle)
}

// paste replaces the focused field's content with text via the clipboard.
func (c *Console) paste(ctx context.Context, text string) error {
	mod := c.layout.Modifier
	if err := c.act.Hotkey(ctx, mod, "a"); err != nil {
		return err
	}
	if err := c.act.SetClipboard(ctx, text); err != nil {
		return err
	}
	return c.act.Hotkey(ctx, mod, "v")
}

// ReadPane copies the whole conversation pane through the clipboard.
func (c *Console) ReadPane(ctx context.Context) (string, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	mod := c.layout.Modifier
	center := c.layout.Pane.Center()
	// Clear first so a failed copy cannot return stale text.
	_ = c.act.SetClipboard(ctx, " ")
	if err := c.act.Click(ctx, center); err != nil {
		return "", fmt.Errorf("read pane: %w", err)
	}
	if err := c.sleep(ctx, c.timing.KeySettle); err != nil {
		return "", err
	}
	if err := c.act.Hotkey(ctx, mod, "a"); err != nil {
		return "", fmt.Errorf("read pane: %w", err)
	}
	if err := c.act.Hotkey(ctx, mod, "c"); err != nil {
		return "", fmt.Errorf("read pane: %w", err)
	}
	if err := c.sleep(ctx, c.timing.KeySettle); err != nil {
		return "", err
	}
	// Drop the selection highlight.
	_ = c.act.Click(ctx, center)

	text, err := c.act.Clipboard(ctx)
	if err != nil {
		return "", fmt.Errorf("read pane: %w", err)
	}
	text = strings.TrimRight(text, "\n ")
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("read pane: %w", ErrEmptyClipboard)
	}
	return text, nil
}

// PaneHash hashes the conversation pane pixels.
func (c *Console) PaneHash(ctx context.Context) (uint64, error) {
	if c.screen == nil {
		return 0, errors.New("device: no screen configured")
	}
	return c.screen.CaptureHash(ctx, c.layout.Pane)
}

// Send types text into the input box and presses send.
func (c *Console) Send(ctx context.Context, text string) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := c.act.Click(ctx, c.layout.ChatInput); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := c.sleep(ctx, c.timing.ClickSettle); err != nil {
		return err
	}
	if err := c.paste(ctx, text); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := c.sleep(ctx, c.timing.KeySettle+c.timing.PreSend); err != nil {
		return err
	}
	if err := c.act.Click(ctx, c.layout.SendButton); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close clicks the conversation's close control.
func (c *Console) Close(ctx context.Context) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if c.layout.Finish.IsZero() {
		return errors.New("device: finish control not configured")
	}
	if err := c.act.Click(ctx, c.layout.Finish); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
