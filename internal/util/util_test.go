package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
)

func TestInitLoggerWritesFile(t *testing.T) {
	saved := log.Logger
	t.Cleanup(func() { log.Logger = saved })

	dir := t.TempDir()
	path, err := InitLogger(LogConfig{Level: "debug", Directory: dir, MaxBackups: 5, Name: "test"})
	if err != nil {
		t.Fatal(err)
	}
	l := ComponentLogger("unit")
	l.Info().Msg("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"component":"unit"`) || !strings.Contains(string(data), `"app":"test"`) {
		t.Fatalf("log file missing fields:\n%s", data)
	}
}

func TestCleanOldLogsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	names := []string{"r_2024-01-01.log", "r_2024-01-03.log", "r_2024-01-02.log", "other_2020-01-01.log"}
	for _, n := range names {
		os.WriteFile(filepath.Join(dir, n), nil, 0644)
	}

	cleanOldLogs(dir, "r", 2)

	for name, want := range map[string]bool{
		"r_2024-01-01.log":     false,
		"r_2024-01-02.log":     true,
		"r_2024-01-03.log":     true,
		"other_2020-01-01.log": true,
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		if exists := err == nil; exists != want {
			t.Errorf("%s exists = %v, want %v", name, exists, want)
		}
	}
}

func TestSystemReadings(t *testing.T) {
	info := GetSystemInfo()
	if info.Architecture == "" || info.CPUThreads < 1 {
		t.Fatalf("info = %+v", info)
	}
	start := time.Now()
	if usage := GetResourceUsage(); usage.Goroutines < 1 {
		t.Fatalf("usage = %+v", usage)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("resource sampling blocked")
	}
	if _, err := GetLocalIP(); err != nil {
		t.Fatal(err)
	}
}
