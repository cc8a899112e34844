package chat

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Message is one utterance recovered from a copied transcript.
type Message struct {
	Speaker string
	Text    string
	// Line is the index of the transcript line the message starts on.
	Line int
	// Hour and Minute are the 24h clock stamp when HasTime is set.
	Hour, Minute int
	HasTime      bool
}

var (
	// [홍길동] [오후 3:21] 안녕
	stampedLine = regexp.MustCompile(`^\[([^\]]+)\]\s*\[(오전|오후|AM|PM|am|pm)?\s*(\d{1,2}):(\d{2})\]\s?(.*)$`)
	// 홍길동: 안녕
	plainLine = regexp.MustCompile(`^([^\[\]:]{1,40}):\s(.*)$`)
	// 2025년 1월 3일 금요일 / --------------- 2025년 1월 3일 금요일 ---------------
	koreanDateHeader = regexp.MustCompile(`^[-\s]*\d{4}년\s*\d{1,2}월\s*\d{1,2}일(\s*\S+요일)?[-\s]*$`)
	// Friday, January 3, 2025
	englishDateHeader = regexp.MustCompile(`^[-\s]*(Monday|Tuesday|Wednesday|Thursday|Friday|Saturday|Sunday),\s+[A-Z][a-z]+\s+\d{1,2},\s+\d{4}[-\s]*$`)
)

// IsDateHeader reports whether line is a day separator inserted by the client.
func IsDateHeader(line string) bool {
	s := strings.TrimSpace(line)
	return koreanDateHeader.MatchString(s) || englishDateHeader.MatchString(s)
}

// StripDateHeaders removes day separator lines.
func StripDateHeaders(transcript string) string {
	lines := strings.Split(transcript, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if IsDateHeader(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// ParseLines splits a transcript into messages. Lines without a speaker prefix
// continue the previous message; leading orphan lines and date headers are skipped.
func ParseLines(transcript string) []Message {
	var msgs []Message
	for i, raw := range strings.Split(normalizeNewlines(transcript), "\n") {
		line := strings.TrimRight(raw, " \t")
		if strings.TrimSpace(line) == "" || IsDateHeader(line) {
			continue
		}
		if m, ok := parseStamped(line, i); ok {
			msgs = append(msgs, m)
			continue
		}
		if m := plainLine.FindStringSubmatch(line); m != nil {
			msgs = append(msgs, Message{Speaker: strings.TrimSpace(m[1]), Text: m[2], Line: i})
			continue
		}
		if len(msgs) > 0 {
			last := &msgs[len(msgs)-1]
			last.Text += "\n" + line
		}
	}
	return msgs
}

func parseStamped(line string, idx int) (Message, bool) {
	m := stampedLine.FindStringSubmatch(line)
	if m == nil {
		return Message{}, false
	}
	hour, err1 := strconv.Atoi(m[3])
	minute, err2 := strconv.Atoi(m[4])
	if err1 != nil || err2 != nil || minute > 59 || hour > 23 {
		return Message{}, false
	}
	switch m[2] {
	case "오전", "AM", "am":
		if hour == 12 {
			hour = 0
		}
	case "오후", "PM", "pm":
		if hour < 12 {
			hour += 12
		}
	}
	return Message{
		Speaker: strings.TrimSpace(m[1]),
		Text:    m[5],
		Line:    idx,
		Hour:    hour,
		Minute:  minute,
		HasTime: true,
	}, true
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// LastSpeaker returns the speaker of the final message, "" if none parses.
func LastSpeaker(transcript string) string {
	msgs := ParseLines(transcript)
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Speaker
}

// LastMessageAt resolves the clock stamp of the newest stamped message to an
// absolute time no later than now (a stamp ahead of now is taken as yesterday).
func LastMessageAt(transcript string, now time.Time) (time.Time, bool) {
	msgs := ParseLines(transcript)
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if !m.HasTime {
			continue
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), m.Hour, m.Minute, 0, 0, now.Location())
		if at.After(now.Add(time.Minute)) {
			at = at.AddDate(0, 0, -1)
		}
		return at, true
	}
	return time.Time{}, false
}

// Staleness is the time elapsed since the newest stamped message.
func Staleness(transcript string, now time.Time) (time.Duration, bool) {
	at, ok := LastMessageAt(transcript, now)
	if !ok {
		return 0, false
	}
	if d := now.Sub(at); d > 0 {
		return d, true
	}
	return 0, true
}

// NewMessages returns the messages of after that were not present in before.
// The boundary is where the tail of before reappears in after; when the pane
// scrolled past it, the common leading lines are used instead.
func NewMessages(before, after string) []Message {
	beforeLines := trimmedLines(before)
	afterLines := trimmedLines(after)

	boundary := tailAnchor(beforeLines, afterLines)
	if boundary < 0 {
		boundary = 0
		for boundary < len(beforeLines) && boundary < len(afterLines) &&
			beforeLines[boundary] == afterLines[boundary] {
			boundary++
		}
	}

	var out []Message
	for _, m := range ParseLines(after) {
		if m.Line >= boundary {
			out = append(out, m)
		}
	}
	return out
}

const anchorLines = 3

// tailAnchor finds the last position in after where the final non-blank lines
// of before appear in sequence and returns the index just past them, or -1.
// Shorter tails are tried when the longest one scrolled out of view.
func tailAnchor(before, after []string) int {
	var tail []string
	for i := len(before) - 1; i >= 0 && len(tail) < anchorLines; i-- {
		if before[i] != "" {
			tail = append([]string{before[i]}, tail...)
		}
	}
	var nonBlank []int
	for i, line := range after {
		if line != "" {
			nonBlank = append(nonBlank, i)
		}
	}
	for n := len(tail); n > 0; n-- {
		want := tail[len(tail)-n:]
		for end := len(nonBlank); end >= n; end-- {
			match := true
			for k := range want {
				if after[nonBlank[end-n+k]] != want[k] {
					match = false
					break
				}
			}
			if match {
				return nonBlank[end-1] + 1
			}
		}
	}
	return -1
}

func trimmedLines(s string) []string {
	lines := strings.Split(normalizeNewlines(s), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return lines
}

// OtherSpokeSince reports whether after holds a message newer than before that
// was not written by self.
func OtherSpokeSince(before, after, self string) bool {
	for _, m := range NewMessages(before, after) {
		if m.Speaker != "" && m.Speaker != self {
			return true
		}
	}
	return false
}
