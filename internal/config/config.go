// Package config loads ~/.chatpilot/config.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chatpilot/chatpilot/internal/chat"
	"github.com/chatpilot/chatpilot/internal/device"
	"github.com/chatpilot/chatpilot/internal/logging"
	"github.com/chatpilot/chatpilot/internal/remote"
)

var configLog = logging.ForComponent(logging.CompConfig)

const (
	// DirName is the per-user state directory under $HOME.
	DirName = ".chatpilot"
	// FileName is the config file inside DirName.
	FileName = "config.toml"
)

// ErrMalformed is returned when the file exists but cannot be decoded. The
// returned Config holds defaults and the file is left untouched.
var ErrMalformed = errors.New("config: malformed config file")

// Config is the whole config file.
type Config struct {
	Identity      IdentitySettings     `toml:"identity"`
	Screen        ScreenSettings       `toml:"screen"`
	Timing        TimingSettings       `toml:"timing"`
	Policy        PolicySettings       `toml:"policy"`
	Relationships RelationshipSettings `toml:"relationships"`
	Oracle        ServiceSettings      `toml:"oracle"`
	Generator     ServiceSettings      `toml:"generator"`
	Sensor        SensorSettings       `toml:"sensor"`
	Actuator      ActuatorSettings     `toml:"actuator"`
	Logs          LogSettings          `toml:"logs"`
	Web           WebSettings          `toml:"web"`
	History       HistorySettings      `toml:"history"`
	Workers       WorkerSettings       `toml:"workers"`
}

// IdentitySettings names the user as they appear in transcripts.
type IdentitySettings struct {
	Name string `toml:"name"`
	// Scripts are the Unicode scripts kept in session keys ("Hangul", "Latin").
	Scripts []string `toml:"scripts"`
}

// ScreenSettings are the chat client's screen coordinates.
type ScreenSettings struct {
	ListTitle   device.Region `toml:"list_title"`
	ListPreview device.Region `toml:"list_preview"`
	ListEntry   device.Point  `toml:"list_entry"`
	Search      device.Point  `toml:"search"`
	Pane        device.Region `toml:"pane"`
	ChatInput   device.Point  `toml:"chat_input"`
	SendButton  device.Point  `toml:"send_button"`
	Finish      device.Point  `toml:"finish"`
	// OpenMode is "click_top" or "search".
	OpenMode string `toml:"open_mode"`
	// Modifier is "ctrl" or "cmd"; empty picks by platform.
	Modifier string `toml:"modifier"`
	// CaptureMargin shrinks both list regions on every side.
	CaptureMargin int `toml:"capture_margin"`
}

type TimingSettings struct {
	ListPoll       Duration `toml:"list_poll"`
	Cooldown       Duration `toml:"cooldown"`
	HashWindow     Duration `toml:"hash_window"`
	QueueTick      Duration `toml:"queue_tick"`
	RoomTick       Duration `toml:"room_tick"`
	StaleThreshold Duration `toml:"stale_threshold"`
	GraceWindow    Duration `toml:"grace_window"`
	Settle         Duration `toml:"settle"`
	FinishPause    Duration `toml:"finish_pause"`
	StartupDelay   Duration `toml:"startup_delay"`
	OpenSettle     Duration `toml:"open_settle"`
	ClickSettle    Duration `toml:"click_settle"`
	KeySettle      Duration `toml:"key_settle"`
	PreSend        Duration `toml:"pre_send"`
}

type PolicySettings struct {
	// OracleBypassOnStale replies without asking the oracle when the other
	// party has the last word in a quiet session.
	OracleBypassOnStale bool   `toml:"oracle_bypass_on_stale"`
	SplitMarker         string `toml:"split_marker"`
	MaxRounds           int    `toml:"max_rounds"`
}

// RelationshipSettings lists session keys per relationship class. Keys not
// listed anywhere are STRANGER.
type RelationshipSettings struct {
	Family      []string `toml:"family"`
	CloseFriend []string `toml:"close_friend"`
	Friend      []string `toml:"friend"`
	GroupMixed  []string `toml:"group_mixed"`
}

// Lists returns the settings in the form chat.Classifier takes.
func (r RelationshipSettings) Lists() map[chat.Relationship][]string {
	return map[chat.Relationship][]string{
		chat.RelationshipFamily:      r.Family,
		chat.RelationshipCloseFriend: r.CloseFriend,
		chat.RelationshipFriend:      r.Friend,
		chat.RelationshipGroupMixed:  r.GroupMixed,
	}
}

// ServiceSettings configures the oracle or the generator.
type ServiceSettings struct {
	Provider          string   `toml:"provider"`
	Model             string   `toml:"model"`
	BaseURL           string   `toml:"base_url"`
	APIKeyEnv         string   `toml:"api_key_env"`
	Temperature       float64  `toml:"temperature"`
	MaxTokens         int      `toml:"max_tokens"`
	Timeout           Duration `toml:"timeout"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	MaxRetries        int      `toml:"max_retries"`
	PromptFile        string   `toml:"prompt_file"`
}

func (s ServiceSettings) Service() remote.ServiceConfig {
	return remote.ServiceConfig{
		Provider:          s.Provider,
		Model:             s.Model,
		BaseURL:           s.BaseURL,
		APIKeyEnv:         s.APIKeyEnv,
		Temperature:       s.Temperature,
		MaxTokens:         s.MaxTokens,
		Timeout:           s.Timeout.Std(),
		RequestsPerMinute: s.RequestsPerMinute,
		MaxRetries:        s.MaxRetries,
	}
}

// SensorSettings configures screen capture and text recognition. Commands
// may use {x} {y} {w} {h} placeholders for the captured region.
type SensorSettings struct {
	CaptureCommand []string `toml:"capture_command"`
	OCRCommand     []string `toml:"ocr_command"`
	// Preprocess upscales and binarizes images before recognition.
	Preprocess bool `toml:"preprocess"`
}

type ActuatorSettings struct {
	// Display overrides detection: "x11", "quartz" or "wayland".
	Display string `toml:"display"`
}

type LogSettings struct {
	Dir                   string `toml:"dir"`
	Level                 string `toml:"level"`
	Format                string `toml:"format"`
	MaxSizeMB             int    `toml:"max_size_mb"`
	MaxBackups            int    `toml:"max_backups"`
	MaxAgeDays            int    `toml:"max_age_days"`
	Compress              bool   `toml:"compress"`
	FeedLines             int    `toml:"feed_lines"`
	AggregateIntervalSecs int    `toml:"aggregate_interval_secs"`
	PprofAddr             string `toml:"pprof_addr"`
}

func (l LogSettings) Logging() logging.Config {
	return logging.Config{
		Dir:                   expandHome(l.Dir),
		Level:                 l.Level,
		Format:                l.Format,
		MaxSizeMB:             l.MaxSizeMB,
		MaxBackups:            l.MaxBackups,
		MaxAgeDays:            l.MaxAgeDays,
		Compress:              l.Compress,
		FeedLines:             l.FeedLines,
		AggregateIntervalSecs: l.AggregateIntervalSecs,
		PprofAddr:             l.PprofAddr,
	}
}

type WebSettings struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	// Token, when set, is required as a bearer token on every API call.
	Token string `toml:"token"`
	// ReadOnly refuses pause and resume from the dashboard.
	ReadOnly bool `toml:"read_only"`
}

type HistorySettings struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DBPath returns the expanded database path.
func (h HistorySettings) DBPath() string { return expandHome(h.Path) }

type WorkerSettings struct {
	MaxConcurrency int `toml:"max_concurrency"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Identity: IdentitySettings{Scripts: append([]string(nil), chat.DefaultScripts...)},
		Screen: ScreenSettings{
			OpenMode:      device.OpenClickTop,
			CaptureMargin: 12,
		},
		Timing: TimingSettings{
			ListPoll:       Duration(200 * time.Millisecond),
			Cooldown:       Duration(500 * time.Millisecond),
			HashWindow:     Duration(5 * time.Second),
			QueueTick:      Duration(500 * time.Millisecond),
			RoomTick:       Duration(100 * time.Millisecond),
			StaleThreshold: Duration(8 * time.Second),
			GraceWindow:    Duration(8 * time.Second),
			Settle:         Duration(500 * time.Millisecond),
			FinishPause:    Duration(500 * time.Millisecond),
			StartupDelay:   Duration(5 * time.Second),
			OpenSettle:     Duration(700 * time.Millisecond),
			ClickSettle:    Duration(200 * time.Millisecond),
			KeySettle:      Duration(100 * time.Millisecond),
			PreSend:        Duration(time.Second),
		},
		Policy: PolicySettings{
			OracleBypassOnStale: true,
			SplitMarker:         "<split>",
			MaxRounds:           5,
		},
		Oracle: ServiceSettings{
			Provider:          remote.ProviderOpenAI,
			Model:             "gpt-4o-mini",
			APIKeyEnv:         "OPENAI_API_KEY",
			Temperature:       0.2,
			MaxTokens:         16,
			Timeout:           Duration(30 * time.Second),
			RequestsPerMinute: 30,
			MaxRetries:        2,
		},
		Generator: ServiceSettings{
			Provider:          remote.ProviderOpenAI,
			Model:             "gpt-4o",
			APIKeyEnv:         "OPENAI_API_KEY",
			Temperature:       0.8,
			MaxTokens:         256,
			Timeout:           Duration(60 * time.Second),
			RequestsPerMinute: 30,
			MaxRetries:        2,
		},
		Sensor: SensorSettings{
			OCRCommand: []string{"tesseract", "stdin", "stdout", "-l", "kor+eng", "--psm", "7"},
			Preprocess: true,
		},
		Logs: LogSettings{
			Dir:                   filepath.Join("~", DirName, "logs"),
			Level:                 "info",
			Format:                "json",
			MaxSizeMB:             10,
			MaxBackups:            5,
			MaxAgeDays:            10,
			Compress:              true,
			FeedLines:             500,
			AggregateIntervalSecs: 30,
		},
		Web: WebSettings{
			Enabled: true,
			Listen:  "127.0.0.1:8787",
		},
		History: HistorySettings{
			Enabled: true,
			Path:    filepath.Join("~", DirName, "history.db"),
		},
		Workers: WorkerSettings{MaxConcurrency: 4},
	}
}

// Dir returns ~/.chatpilot.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// DefaultPath returns ~/.chatpilot/config.toml.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads path ("" for DefaultPath). A missing file is created with the
// defaults. A malformed file yields defaults and an error wrapping
// ErrMalformed; callers log it and carry on.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			cfg := Default()
			return &cfg, err
		}
		path = p
	}

	cfg, err := Read(path)
	switch {
	case err == nil:
		return cfg, nil
	case errors.Is(err, os.ErrNotExist):
		def := Default()
		if werr := Save(path, &def); werr != nil {
			return &def, fmt.Errorf("write default config: %w", werr)
		}
		configLog.Info("config_created", "path", path)
		return &def, nil
	default:
		def := Default()
		return &def, err
	}
}

// Read decodes path over the defaults without creating anything.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		configLog.Warn("config_unknown_keys", "path", path, "keys", strings.Join(keys, ","))
	}
	cfg.fill()
	return &cfg, nil
}

// fill restores defaults for values a hand-edited file zeroed out.
func (c *Config) fill() {
	def := Default()
	fillDuration := func(d *Duration, v Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	t, dt := &c.Timing, def.Timing
	fillDuration(&t.ListPoll, dt.ListPoll)
	fillDuration(&t.Cooldown, dt.Cooldown)
	fillDuration(&t.HashWindow, dt.HashWindow)
	fillDuration(&t.QueueTick, dt.QueueTick)
	fillDuration(&t.RoomTick, dt.RoomTick)
	fillDuration(&t.StaleThreshold, dt.StaleThreshold)
	fillDuration(&t.GraceWindow, dt.GraceWindow)
	fillDuration(&t.Settle, dt.Settle)
	fillDuration(&t.FinishPause, dt.FinishPause)
	fillDuration(&t.OpenSettle, dt.OpenSettle)
	fillDuration(&t.ClickSettle, dt.ClickSettle)
	fillDuration(&t.KeySettle, dt.KeySettle)
	fillDuration(&t.PreSend, dt.PreSend)

	if len(c.Identity.Scripts) == 0 {
		c.Identity.Scripts = def.Identity.Scripts
	}
	if c.Policy.SplitMarker == "" {
		c.Policy.SplitMarker = def.Policy.SplitMarker
	}
	if c.Policy.MaxRounds <= 0 {
		c.Policy.MaxRounds = def.Policy.MaxRounds
	}
	if c.Workers.MaxConcurrency <= 0 {
		c.Workers.MaxConcurrency = def.Workers.MaxConcurrency
	}
	if c.Screen.OpenMode == "" {
		c.Screen.OpenMode = def.Screen.OpenMode
	}
}

// Save writes cfg to path atomically: temp file, fsync, rename.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# chatpilot configuration\n")
	buf.WriteString("# Coordinates are screen pixels; durations use Go syntax (\"500ms\", \"8s\").\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		configLog.Warn("config_fsync_failed", "path", tmpPath, "error", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalize config save: %w", err)
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
