package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/chatpilot/chatpilot/internal/platform"
)

// ErrEmptyClipboard is returned when the clipboard holds no text.
var ErrEmptyClipboard = errors.New("device: clipboard is empty")

// clipTool is one native clipboard command pair.
type clipTool struct {
	name      string
	copyArgs  []string
	pasteName string
	pasteArgs []string
}

// clipboardTools lists the native tools for p in preference order.
// Wayland takes priority over X11.
func clipboardTools(p platform.Platform, getenv func(string) string) []clipTool {
	switch p {
	case platform.PlatformMacOS:
		return []clipTool{{name: "pbcopy", pasteName: "pbpaste"}}
	case platform.PlatformWSL, platform.PlatformWindows:
		return []clipTool{{
			name:      "clip.exe",
			pasteName: "powershell.exe",
			pasteArgs: []string{"-NoProfile", "-Command", "Get-Clipboard -Raw"},
		}}
	case platform.PlatformLinux:
		var tools []clipTool
		if getenv("WAYLAND_DISPLAY") != "" {
			tools = append(tools, clipTool{name: "wl-copy", pasteName: "wl-paste", pasteArgs: []string{"--no-newline"}})
		}
		return append(tools,
			clipTool{name: "xclip", copyArgs: []string{"-selection", "clipboard"}, pasteName: "xclip", pasteArgs: []string{"-selection", "clipboard", "-o"}},
			clipTool{name: "xsel", copyArgs: []string{"--clipboard", "--input"}, pasteName: "xsel", pasteArgs: []string{"--clipboard", "--output"}},
		)
	}
	return nil
}

// NativeClipboard reads and writes the system clipboard with the first
// available platform tool (pbcopy, clip.exe, wl-copy, xclip, xsel).
type NativeClipboard struct {
	run      Runner
	lookPath func(string) (string, error)
	tools    []clipTool
}

func NewNativeClipboard(run Runner) *NativeClipboard {
	if run == nil {
		run = ExecRunner
	}
	return &NativeClipboard{
		run:      run,
		lookPath: exec.LookPath,
		tools:    clipboardTools(platform.Detect(), os.Getenv),
	}
}

func (c *NativeClipboard) tool() (clipTool, error) {
	for _, t := range c.tools {
		if _, err := c.lookPath(t.name); err == nil {
			return t, nil
		}
	}
	return clipTool{}, fmt.Errorf("no clipboard method available (install pbcopy, xclip, xsel, or wl-copy)")
}

// Method names the tool that would be used, "" if none.
func (c *NativeClipboard) Method() string {
	t, err := c.tool()
	if err != nil {
		return ""
	}
	return t.name
}

// Set replaces the clipboard content.
func (c *NativeClipboard) Set(ctx context.Context, text string) error {
	t, err := c.tool()
	if err != nil {
		return err
	}
	if _, err := c.run(ctx, t.name, t.copyArgs, strings.NewReader(text)); err != nil {
		return fmt.Errorf("clipboard %s: %w", t.name, err)
	}
	return nil
}

// Get returns the clipboard text. An empty clipboard is ErrEmptyClipboard.
func (c *NativeClipboard) Get(ctx context.Context) (string, error) {
	t, err := c.tool()
	if err != nil {
		return "", err
	}
	out, err := c.run(ctx, t.pasteName, t.pasteArgs, nil)
	if err != nil {
		return "", fmt.Errorf("clipboard %s: %w", t.pasteName, err)
	}
	text := strings.ReplaceAll(string(out), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyClipboard
	}
	return text, nil
}
