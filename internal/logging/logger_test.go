package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	var records []map[string]any
	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		var r map[string]any
		if err := json.Unmarshal(data[start:i], &r); err == nil {
			records = append(records, r)
		}
		start = i + 1
	}
	return records
}

func TestInitWritesJSONToDir(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{Dir: dir})
	defer Shutdown()

	Logger().Info("test_message", "key", "value")

	records := readRecords(t, filepath.Join(dir, LogFileName))
	if len(records) == 0 {
		t.Fatal("log file is empty")
	}
	if records[0]["msg"] != "test_message" {
		t.Errorf("expected msg=test_message, got %v", records[0]["msg"])
	}
	if records[0]["key"] != "value" {
		t.Errorf("expected key=value, got %v", records[0]["key"])
	}
}

func TestQuietDiscards(t *testing.T) {
	Shutdown()

	Init(Config{Quiet: true})
	defer Shutdown()

	if Logger() == nil {
		t.Fatal("expected non-nil logger in quiet mode")
	}
	Logger().Info("this goes nowhere")
	if GlobalFeed() == nil {
		t.Fatal("feed must exist in quiet mode")
	}
}

func TestForComponentBeforeInit(t *testing.T) {
	Shutdown()

	// Created before Init, like a package-level var.
	cl := ForComponent(CompQueue)

	dir := t.TempDir()
	Init(Config{Dir: dir})
	defer Shutdown()

	cl.Info("entry_promoted", "key", "홍길동")

	records := readRecords(t, filepath.Join(dir, LogFileName))
	if len(records) == 0 {
		t.Fatal("expected a record")
	}
	if records[0]["component"] != CompQueue {
		t.Errorf("expected component=%s, got %v", CompQueue, records[0]["component"])
	}
}

func TestLevelFiltering(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{Dir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Info("should_be_filtered")
	Logger().Warn("should_appear")

	records := readRecords(t, filepath.Join(dir, LogFileName))
	var sawInfo, sawWarn bool
	for _, r := range records {
		switch r["msg"] {
		case "should_be_filtered":
			sawInfo = true
		case "should_appear":
			sawWarn = true
		}
	}
	if sawInfo {
		t.Error("info message should have been filtered at warn level")
	}
	if !sawWarn {
		t.Error("warn message should have appeared")
	}
}

func TestTextFormat(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{Dir: dir, Format: "text"})
	defer Shutdown()

	Logger().Info("text_format_test")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err == nil {
		t.Error("expected text format, but got valid JSON")
	}
}
