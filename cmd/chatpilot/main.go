package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/chatpilot/chatpilot/internal/config"
	"github.com/chatpilot/chatpilot/internal/logging"
	"github.com/chatpilot/chatpilot/internal/pilot"
)

const Version = "0.4.0"

func init() {
	initColorProfile()
}

// initColorProfile configures lipgloss color profile based on terminal capabilities.
func initColorProfile() {
	// CHATPILOT_COLOR: truecolor, 256, 16, none
	if colorEnv := os.Getenv("CHATPILOT_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}
	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	term := os.Getenv("TERM")
	for _, t := range []string{"xterm-256color", "screen-256color", "tmux-256color", "xterm-direct", "alacritty", "kitty", "wezterm"} {
		if strings.Contains(term, t) {
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		}
	}
	if os.Getenv("ITERM_SESSION_ID") != "" || os.Getenv("WT_SESSION") != "" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	configPath, args := extractConfigFlag(os.Args[1:])

	if len(args) == 0 {
		handleRun(configPath, nil)
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("chatpilot v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "run":
		handleRun(configPath, args[1:])
	case "status":
		handleStatus(configPath, args[1:])
	case "pause":
		handlePause(configPath, args[1:], true)
	case "resume":
		handlePause(configPath, args[1:], false)
	case "history":
		handleHistory(configPath, args[1:])
	case "config":
		handleConfig(configPath, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		fmt.Fprintln(os.Stderr, "Run 'chatpilot help' for usage.")
		os.Exit(1)
	}
}

// loadConfig loads the config file, creating it on first use. A malformed
// file is reported and the defaults are used.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, config.ErrMalformed) {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			return cfg
		}
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func handleRun(configPath string, args []string) {
	if len(args) > 0 && (args[0] == "--help" || args[0] == "-h") {
		fmt.Println("Usage: chatpilot [-config path] run")
		fmt.Println()
		fmt.Println("Watch the chat list and answer conversations until interrupted.")
		return
	}

	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		configPath = p
	}
	cfg := loadConfig(configPath)

	logging.Init(cfg.Logs.Logging())
	defer logging.Shutdown()
	log := logging.ForComponent(logging.CompPilot)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pilot.New(ctx, cfg, pilot.WithConfigPath(configPath))
	if err != nil {
		if errors.Is(err, pilot.ErrNoIdentity) {
			fmt.Fprintf(os.Stderr, "Error: set [identity] name in %s\n", configPath)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		logging.Shutdown()
		os.Exit(1)
	}
	defer p.Close()

	log.Info("pilot_starting",
		slog.String("version", Version),
		slog.String("config", configPath),
		slog.Int("pid", os.Getpid()))
	if cfg.Web.Enabled {
		fmt.Printf("Dashboard: http://%s\n", cfg.Web.Listen)
	}

	if err := p.Run(ctx); err != nil {
		if errors.Is(err, pilot.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "Error: chatpilot is already running on this machine")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			log.Error("pilot_failed", slog.String("error", err.Error()))
		}
		_ = p.Close()
		logging.Shutdown()
		os.Exit(1)
	}
	log.Info("pilot_stopped")
}

func printHelp() {
	fmt.Printf("chatpilot v%s\n", Version)
	fmt.Println("Answers desktop chat conversations on your behalf")
	fmt.Println()
	fmt.Println("Usage: chatpilot [-config path] [command]")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  -c, --config <path>   Config file (default: ~/.chatpilot/config.toml)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none), run       Start the pilot")
	fmt.Println("  status            Show the running pilot's queue")
	fmt.Println("  pause             Stop opening new conversations")
	fmt.Println("  resume            Resume opening conversations")
	fmt.Println("  history [name]    Show recorded decisions and replies")
	fmt.Println("  config path       Print the config file location")
	fmt.Println("  config show       Print the effective config")
	fmt.Println("  config init       Write a default config file")
	fmt.Println("  version           Show version")
	fmt.Println("  help              Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  chatpilot                         # Start with ~/.chatpilot/config.toml")
	fmt.Println("  chatpilot -c work.toml run        # Start with another config")
	fmt.Println("  chatpilot status --json           # Queue as JSON")
	fmt.Println("  chatpilot history 민수 -n 20       # Last 20 events for a conversation")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  CHATPILOT_COLOR   Color profile: truecolor, 256, 16, none")
	fmt.Println("  OPENAI_API_KEY    Default key variable for [oracle] and [generator]")
	fmt.Println("                    (change with api_key_env)")
}
