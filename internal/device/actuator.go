package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chatpilot/chatpilot/internal/platform"
)

// ErrUnsupported is returned when no input tool exists for the desktop.
var ErrUnsupported = errors.New("device: input injection not supported on this desktop")

// Actuator drives mouse, keyboard and clipboard. Calls are synchronous and
// best-effort.
type Actuator interface {
	Click(ctx context.Context, p Point) error
	DoubleClick(ctx context.Context, p Point) error
	// Hotkey presses keys together, e.g. Hotkey(ctx, "ctrl", "a").
	Hotkey(ctx context.Context, keys ...string) error
	SetClipboard(ctx context.Context, text string) error
	Clipboard(ctx context.Context) (string, error)
}

// CommandActuator implements Actuator with xdotool on X11 and cliclick plus
// osascript on macOS.
type CommandActuator struct {
	display   platform.Display
	run       Runner
	clipboard *NativeClipboard
}

// NewCommandActuator picks tools for display. run may be nil for os/exec.
func NewCommandActuator(display platform.Display, run Runner) *CommandActuator {
	if run == nil {
		run = ExecRunner
	}
	return &CommandActuator{display: display, run: run, clipboard: NewNativeClipboard(run)}
}

func (a *CommandActuator) Click(ctx context.Context, p Point) error {
	return a.click(ctx, p, false)
}

func (a *CommandActuator) DoubleClick(ctx context.Context, p Point) error {
	return a.click(ctx, p, true)
}

func (a *CommandActuator) click(ctx context.Context, p Point, double bool) error {
	var name string
	var args []string
	switch a.display {
	case platform.DisplayX11:
		name = "xdotool"
		args = []string{"mousemove", strconv.Itoa(p.X), strconv.Itoa(p.Y), "click"}
		if double {
			args = append(args, "--repeat", "2")
		}
		args = append(args, "1")
	case platform.DisplayQuartz:
		verb := "c"
		if double {
			verb = "dc"
		}
		name = "cliclick"
		args = []string{fmt.Sprintf("%s:%d,%d", verb, p.X, p.Y)}
	default:
		return ErrUnsupported
	}
	if _, err := a.run(ctx, name, args, nil); err != nil {
		return fmt.Errorf("click %d,%d: %w", p.X, p.Y, err)
	}
	return nil
}

func (a *CommandActuator) Hotkey(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	var name string
	var args []string
	switch a.display {
	case platform.DisplayX11:
		name = "xdotool"
		args = []string{"key", "--clearmodifiers", xdotoolCombo(keys)}
	case platform.DisplayQuartz:
		name = "osascript"
		args = []string{"-e", appleScriptKeystroke(keys)}
	default:
		return ErrUnsupported
	}
	if _, err := a.run(ctx, name, args, nil); err != nil {
		return fmt.Errorf("hotkey %s: %w", strings.Join(keys, "+"), err)
	}
	return nil
}

func (a *CommandActuator) SetClipboard(ctx context.Context, text string) error {
	return a.clipboard.Set(ctx, text)
}

func (a *CommandActuator) Clipboard(ctx context.Context) (string, error) {
	return a.clipboard.Get(ctx)
}

var xdotoolNames = map[string]string{
	"ctrl":   "ctrl",
	"cmd":    "super",
	"alt":    "alt",
	"shift":  "shift",
	"enter":  "Return",
	"return": "Return",
	"esc":    "Escape",
	"escape": "Escape",
	"tab":    "Tab",
}

func xdotoolCombo(keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		if mapped, ok := xdotoolNames[strings.ToLower(k)]; ok {
			parts[i] = mapped
		} else {
			parts[i] = k
		}
	}
	return strings.Join(parts, "+")
}

var appleModifiers = map[string]string{
	"ctrl":  "control down",
	"cmd":   "command down",
	"alt":   "option down",
	"shift": "shift down",
}

var appleKeyCodes = map[string]int{
	"enter":  36,
	"return": 36,
	"tab":    48,
	"esc":    53,
	"escape": 53,
}

// appleScriptKeystroke renders keys as a System Events keystroke: every key
// but the last is a modifier.
func appleScriptKeystroke(keys []string) string {
	last := strings.ToLower(keys[len(keys)-1])
	var mods []string
	for _, k := range keys[:len(keys)-1] {
		if m, ok := appleModifiers[strings.ToLower(k)]; ok {
			mods = append(mods, m)
		}
	}

	var stroke string
	if code, ok := appleKeyCodes[last]; ok {
		stroke = fmt.Sprintf("key code %d", code)
	} else {
		stroke = fmt.Sprintf("keystroke %q", last)
	}
	script := `tell application "System Events" to ` + stroke
	switch len(mods) {
	case 0:
	case 1:
		script += " using " + mods[0]
	default:
		script += " using {" + strings.Join(mods, ", ") + "}"
	}
	return script
}
