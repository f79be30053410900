package spawn

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSpawnSetsEnvAndCwd(t *testing.T) {
	townPath := t.TempDir()
	logPath := filepath.Join(townPath, ".mab", "logs", "w1.log")
	heartbeatPath := filepath.Join(townPath, ".mab", "heartbeat", "w1")

	scriptPath := filepath.Join(townPath, "fake-worker.sh")
	script := "#!/bin/sh\necho \"PWD=$(pwd)\"\necho \"ID=$WORKER_ID\"\necho \"HB=$WORKER_HEARTBEAT_PATH\"\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}

	req := Request{
		Command:       scriptPath,
		Role:          "developer",
		WorkerID:      "worker-developer-abc123",
		TownPath:      townPath,
		LogPath:       logPath,
		HeartbeatPath: heartbeatPath,
	}

	s := New()
	_, err := s.Spawn(req)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "ID=worker-developer-abc123") {
		t.Errorf("log missing WORKER_ID, got: %s", out)
	}
	if !strings.Contains(out, "HB="+heartbeatPath) {
		t.Errorf("log missing heartbeat path, got: %s", out)
	}
}

func TestSpawnInvalidCwd(t *testing.T) {
	s := New()
	_, err := s.Spawn(Request{
		Command:  "sh",
		TownPath: filepath.Join(t.TempDir(), "does-not-exist"),
		LogPath:  filepath.Join(t.TempDir(), "w.log"),
	})
	if err == nil {
		t.Fatal("expected error for invalid cwd")
	}
}

func TestSpawnBinaryNotFound(t *testing.T) {
	s := New()
	_, err := s.Spawn(Request{
		Command:  "mab-agent-does-not-exist-xyz",
		TownPath: t.TempDir(),
		LogPath:  filepath.Join(t.TempDir(), "w.log"),
	})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}
