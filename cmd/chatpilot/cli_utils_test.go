package main

import (
	"flag"
	"reflect"
	"testing"
)

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		name     string
		setup    func() *flag.FlagSet
		args     []string
		expected []string
	}{
		{
			name: "flags already before positional args",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.Bool("json", false, "")
				return fs
			},
			args:     []string{"--json", "민수"},
			expected: []string{"--json", "민수"},
		},
		{
			name: "bool flag after positional arg",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.Bool("json", false, "")
				return fs
			},
			args:     []string{"민수", "--json"},
			expected: []string{"--json", "민수"},
		},
		{
			name: "int flag after positional arg",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.Int("n", 30, "")
				fs.Bool("json", false, "")
				return fs
			},
			args:     []string{"민수", "-n", "5", "--json"},
			expected: []string{"-n", "5", "--json", "민수"},
		},
		{
			name: "flag with equals syntax",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.String("name", "", "")
				return fs
			},
			args:     []string{"--name=나", "extra"},
			expected: []string{"--name=나", "extra"},
		},
		{
			name: "double dash ends flags",
			setup: func() *flag.FlagSet {
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				fs.Bool("json", false, "")
				return fs
			},
			args:     []string{"--json", "--", "-weird-name"},
			expected: []string{"--json", "-weird-name"},
		},
		{
			name: "no flags at all",
			setup: func() *flag.FlagSet {
				return flag.NewFlagSet("test", flag.ContinueOnError)
			},
			args:     []string{"동창회", "모임"},
			expected: []string{"동창회", "모임"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeArgs(tt.setup(), tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("normalizeArgs(%v) = %v, want %v", tt.args, got, tt.expected)
			}
		})
	}
}

func TestExtractConfigFlag(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantPath string
		wantRest []string
	}{
		{"none", []string{"status"}, "", []string{"status"}},
		{"short before command", []string{"-c", "a.toml", "status"}, "a.toml", []string{"status"}},
		{"long after command", []string{"status", "--config", "b.toml", "--json"}, "b.toml", []string{"status", "--json"}},
		{"equals single dash", []string{"-config=c.toml", "run"}, "c.toml", []string{"run"}},
		{"equals double dash", []string{"history", "--config=d.toml"}, "d.toml", []string{"history"}},
		{"dangling flag", []string{"run", "-c"}, "", []string{"run"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, rest := extractConfigFlag(tt.args)
			if path != tt.wantPath {
				t.Errorf("path = %q, want %q", path, tt.wantPath)
			}
			if !reflect.DeepEqual(rest, tt.wantRest) {
				t.Errorf("rest = %v, want %v", rest, tt.wantRest)
			}
		})
	}
}
