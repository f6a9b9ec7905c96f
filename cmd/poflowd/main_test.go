package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"poflow/internal/testsupport"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "poflow.toml")
	testsupport.WriteFile(t, path, data)
	return path
}

func TestRunStopsWithContext(t *testing.T) {
	path := writeConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := run(ctx, path, "error"); err != nil {
		t.Fatalf("run returned %v", err)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poflow.toml")
	testsupport.WriteFile(t, path, []byte("[database]\ndriver = \"oracle\"\n"))
	err := run(context.Background(), path, "")
	if err == nil || !strings.Contains(err.Error(), "database.driver") {
		t.Fatalf("expected driver validation error, got %v", err)
	}
}
