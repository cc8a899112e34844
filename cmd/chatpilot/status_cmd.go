package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/chatpilot/chatpilot/internal/queue"
)

const statusColKey = 24

var (
	statusHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	statusDimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	statusActiveStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#9ece6a"))
	statusPausedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#e0af68"))
)

func handleStatus(configPath string, args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: chatpilot status [options]")
		fmt.Println()
		fmt.Println("Show the running pilot's queue and active conversation.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput)
	cfg := loadConfig(configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	view, err := newAPIClient(cfg.Web).Queue(ctx)
	if err != nil {
		if errors.Is(err, errNotRunning) {
			out.Error(fmt.Sprintf("chatpilot is not running (or [web] is disabled): %v", err), ErrCodeUnreachable)
		} else {
			out.Error(err.Error(), ErrCodeUnreachable)
		}
		os.Exit(1)
	}

	styled := term.IsTerminal(int(os.Stdout.Fd()))
	out.Print(renderQueue(view, styled, time.Now()), view)
}

func handlePause(configPath string, args []string, paused bool) {
	name := "resume"
	if paused {
		name = "pause"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Printf("Usage: chatpilot %s [options]\n", name)
		fmt.Println()
		if paused {
			fmt.Println("Stop the running pilot from opening new conversations.")
		} else {
			fmt.Println("Let the running pilot open conversations again.")
		}
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput)
	cfg := loadConfig(configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := newAPIClient(cfg.Web).SetPaused(ctx, paused)
	if err != nil {
		out.Error(err.Error(), ErrCodeUnreachable)
		os.Exit(1)
	}

	msg := "List watch resumed"
	if state {
		msg = "List watch paused"
	}
	out.Success(msg, controlView{Paused: state})
}

// renderQueue formats a queue snapshot as a table.
func renderQueue(v queueView, styled bool, now time.Time) string {
	paint := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	var b strings.Builder
	state := paint(statusActiveStyle, "watching")
	if v.Paused {
		state = paint(statusPausedStyle, "paused")
	}
	fmt.Fprintf(&b, "List: %s\n", state)
	if v.ActiveRoom != "" {
		fmt.Fprintf(&b, "Active: %s\n", paint(statusActiveStyle, v.ActiveRoom))
	} else {
		fmt.Fprintf(&b, "Active: %s\n", paint(statusDimStyle, "none"))
	}
	b.WriteString("\n")

	if len(v.Entries) == 0 {
		b.WriteString(paint(statusDimStyle, "Queue is empty.") + "\n")
		return b.String()
	}

	header := fmt.Sprintf("%s %-10s %-9s %s", padKey("NAME"), "STATUS", "DUE IN", "WAITING")
	b.WriteString(paint(statusHeaderStyle, header) + "\n")
	for _, e := range v.Entries {
		due := "-"
		if e.Status != queue.StatusProcessing {
			due = e.Remaining.Round(time.Second).String()
		}
		waiting := now.Sub(e.EnqueuedAt).Round(time.Second)
		if e.EnqueuedAt.IsZero() || waiting < 0 {
			waiting = 0
		}
		fmt.Fprintf(&b, "%s %-10s %-9s %s\n", padKey(e.Key), e.Status, due, waiting)
	}
	fmt.Fprintf(&b, "\n%s %d queued\n", bulletSymbol, len(v.Entries))
	return b.String()
}

// padKey truncates or pads a name to the key column by display width.
func padKey(key string) string {
	return runewidth.FillRight(runewidth.Truncate(key, statusColKey, "…"), statusColKey)
}
