// Package remote wraps the two language-model services: the scheduling
// oracle that returns an urgency tag and the generator that writes replies.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chatpilot/chatpilot/internal/chat"
	"github.com/chatpilot/chatpilot/internal/logging"
)

var remoteLog = logging.ForComponent(logging.CompRemote)

// ErrEmptyResponse is returned when a service answered with no text.
var ErrEmptyResponse = errors.New("remote: empty response")

// Completer is a single-turn chat completion.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Request is what both services see about a session.
type Request struct {
	Key          string
	Transcript   string
	Relationship chat.Relationship
	At           time.Time
}

// Tag is the oracle's urgency decision.
type Tag string

const (
	TagInstant Tag = "<INSTANT>"
	TagWait    Tag = "<WAIT>"
	TagFinish  Tag = "<FINISH>"
)

// ParseTag finds a tag anywhere in text, preferring INSTANT, then WAIT, then
// FINISH. Text with no tag is WAIT; ok reports whether a tag was found.
func ParseTag(text string) (tag Tag, ok bool) {
	for _, t := range []Tag{TagInstant, TagWait, TagFinish} {
		if strings.Contains(text, string(t)) {
			return t, true
		}
	}
	return TagWait, false
}

// Oracle decides how urgently to reply.
type Oracle interface {
	Decide(ctx context.Context, req Request) (Tag, error)
}

// Generator writes reply text. The text may join several messages with a
// split marker.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// FormatTimeOfDay renders t as the Korean 12-hour clock, e.g. "오후 3:05".
func FormatTimeOfDay(t time.Time) string {
	ampm := "오전"
	if t.Hour() >= 12 {
		ampm = "오후"
	}
	hour := t.Hour() % 12
	if hour == 0 {
		hour = 12
	}
	return fmt.Sprintf("%s %d:%02d", ampm, hour, t.Minute())
}

// LoadPrompt reads a system prompt file, returning fallback when path is
// empty or unreadable.
func LoadPrompt(path, fallback string) string {
	if path == "" {
		return fallback
	}
	data, err := os.ReadFile(path)
	if err != nil {
		remoteLog.Warn("prompt_file_unreadable", "path", path, "error", err)
		return fallback
	}
	if p := strings.TrimSpace(string(data)); p != "" {
		return p
	}
	return fallback
}

const defaultOraclePrompt = `You decide when to answer a chat conversation on behalf of the user.
Read the relationship, the current time and the conversation, then answer with exactly one tag:
<INSTANT> when a reply is expected now,
<WAIT> when it is better to hold off,
<FINISH> when the conversation has reached a natural end.`

const defaultGeneratorPrompt = `You write chat replies on behalf of the user in their own voice.
Keep replies short and casual, matching the relationship and the time of day.
When a reply reads better as several chat bubbles, separate them with <split>.`

// CompletionOracle asks a Completer for a tag.
type CompletionOracle struct {
	completer Completer
	prompt    string
}

// NewOracle builds an oracle; an empty prompt uses a built-in default.
func NewOracle(c Completer, prompt string) *CompletionOracle {
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultOraclePrompt
	}
	return &CompletionOracle{completer: c, prompt: prompt}
}

// OracleMessage lays out the oracle's user message.
func OracleMessage(req Request) string {
	return fmt.Sprintf("RELATIONSHIP: %s\n\nTIME: %s\n\nMESSAGE_CONTEXT:\n%s\n\nDecide when to speak based on the information above.",
		req.Relationship, FormatTimeOfDay(req.At), req.Transcript)
}

// Decide returns the parsed tag. An unparseable answer is WAIT without error.
func (o *CompletionOracle) Decide(ctx context.Context, req Request) (Tag, error) {
	start := time.Now()
	text, err := o.completer.Complete(ctx, o.prompt, OracleMessage(req))
	if err != nil {
		return TagWait, fmt.Errorf("oracle %s: %w", req.Key, err)
	}
	tag, ok := ParseTag(text)
	if !ok {
		remoteLog.Warn("oracle_untagged_response", "key", req.Key, "response", truncate(text, 80))
	}
	remoteLog.Info("oracle_decided", "key", req.Key, "tag", string(tag), "elapsed", time.Since(start).String())
	return tag, nil
}

// CompletionGenerator asks a Completer for reply text.
type CompletionGenerator struct {
	completer Completer
	prompt    string
	identity  string
}

// NewGenerator builds a generator writing as identity; an empty prompt uses a
// built-in default.
func NewGenerator(c Completer, prompt, identity string) *CompletionGenerator {
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultGeneratorPrompt
	}
	return &CompletionGenerator{completer: c, prompt: prompt, identity: identity}
}

// GeneratorMessage lays out the generator's user message.
func GeneratorMessage(req Request, identity string) string {
	speaker := identity
	if speaker == "" {
		speaker = "the user"
	}
	return fmt.Sprintf("TIME: %s\nRELATIONSHIP: %s\n\nMESSAGE_CONTEXT:\n%s\n\nWrite %s's reply based on the information above.",
		FormatTimeOfDay(req.At), req.Relationship, req.Transcript, speaker)
}

// Generate returns the reply text, ErrEmptyResponse if blank.
func (g *CompletionGenerator) Generate(ctx context.Context, req Request) (string, error) {
	text, err := g.completer.Complete(ctx, g.prompt, GeneratorMessage(req, g.identity))
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", req.Key, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("generate %s: %w", req.Key, ErrEmptyResponse)
	}
	return text, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
