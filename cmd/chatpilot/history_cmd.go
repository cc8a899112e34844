package main

import (
	"context"
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"

	"github.com/chatpilot/chatpilot/internal/statedb"
)

const historyDetailWidth = 72

func handleHistory(configPath string, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 30, "Number of entries to show")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: chatpilot history [name] [options]")
		fmt.Println()
		fmt.Println("Show recorded decisions, replies and finishes. Without a name, shows")
		fmt.Println("the newest entries across all conversations. Names are fuzzy matched.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput)
	cfg := loadConfig(configPath)
	if !cfg.History.Enabled {
		out.Error("history is disabled in [history]", ErrCodeConfig)
		os.Exit(1)
	}

	path := cfg.History.DBPath()
	if _, err := os.Stat(path); err != nil {
		out.Error(fmt.Sprintf("no history at %s", path), ErrCodeNotFound)
		os.Exit(1)
	}
	db, err := statedb.Open(path)
	if err != nil {
		out.Error(err.Error(), ErrCodeConfig)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		out.Error(err.Error(), ErrCodeConfig)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		entries, err := db.Recent(ctx, *limit)
		if err != nil {
			out.Error(err.Error(), ErrCodeConfig)
			os.Exit(1)
		}
		out.Print(renderHistory(entries, true), entries)
		return
	}

	keys, err := db.Keys(ctx)
	if err != nil {
		out.Error(err.Error(), ErrCodeConfig)
		os.Exit(1)
	}
	matches := matchKeys(query, keys)
	switch len(matches) {
	case 0:
		out.Error(fmt.Sprintf("no conversation matches %q", query), ErrCodeNotFound)
		os.Exit(1)
	case 1:
	default:
		out.Error(fmt.Sprintf("%q matches %d conversations: %s", query, len(matches), strings.Join(matches, ", ")), ErrCodeAmbiguous)
		os.Exit(1)
	}

	entries, err := db.Timeline(ctx, matches[0], *limit)
	if err != nil {
		out.Error(err.Error(), ErrCodeConfig)
		os.Exit(1)
	}
	counts, _ := db.TagCounts(ctx, matches[0])

	var human strings.Builder
	fmt.Fprintf(&human, "%s\n", matches[0])
	if len(counts) > 0 {
		fmt.Fprintf(&human, "decisions: %s\n", formatTagCounts(counts))
	}
	human.WriteString("\n")
	human.WriteString(renderHistory(entries, false))
	out.Print(human.String(), map[string]any{
		"key":     matches[0],
		"tags":    counts,
		"entries": entries,
	})
}

// matchKeys resolves a query to session keys. An exact match (ignoring case)
// wins outright; otherwise every fuzzy match is returned, best first.
func matchKeys(query string, keys []string) []string {
	for _, k := range keys {
		if strings.EqualFold(k, query) {
			return []string{k}
		}
	}
	matches := fuzzy.Find(query, keys)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Str)
	}
	return out
}

func renderHistory(entries []statedb.Entry, withKey bool) string {
	if len(entries) == 0 {
		return "No history yet.\n"
	}
	var b strings.Builder
	for _, e := range entries {
		mark := successSymbol
		if !e.OK {
			mark = errorSymbol
		}
		detail := strings.Join(strings.Fields(e.Detail), " ")
		detail = runewidth.Truncate(detail, historyDetailWidth, "…")
		prefix := e.At.Local().Format("01-02 15:04:05")
		if withKey {
			prefix += "  " + e.Key
		}
		fmt.Fprintf(&b, "%s  %s %-10s %s\n", prefix, mark, e.Kind, detail)
		if e.Error != "" {
			fmt.Fprintf(&b, "    %s %s\n", bulletSymbol, e.Error)
		}
	}
	return b.String()
}

func formatTagCounts(counts map[string]int) string {
	parts := make([]string, 0, len(counts))
	for _, tag := range slices.Sorted(maps.Keys(counts)) {
		parts = append(parts, fmt.Sprintf("%s=%d", tag, counts[tag]))
	}
	return strings.Join(parts, " ")
}
