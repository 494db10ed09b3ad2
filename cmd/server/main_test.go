package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStart_MissingConfig(t *testing.T) {
	if code := start([]string{"-config", filepath.Join(t.TempDir(), "missing.toml")}); code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
}

func TestStart_BadFlag(t *testing.T) {
	if code := start([]string{"-nope"}); code != 2 {
		t.Errorf("expected exit code 2, got %d", code)
	}
}

func TestStart_FailureIsLoggedBeforeExit(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "pool.log")
	t.Setenv("POOL_LOG_FILE", logFile)
	t.Setenv("POOL_STORE_BACKEND", "redis")
	t.Setenv("POOL_REDIS_URL", "not-a-redis-url")

	if code := start(nil); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "pool-engine exited") {
		t.Errorf("exit error missing from log file:\n%s", data)
	}
}
