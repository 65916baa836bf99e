package policywatch

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zfs-helper/zfs-helper/internal/brokerlog"
)

func TestWatchLogsFileChange(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "alice"), 0o755); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	log := brokerlog.Init(&buf, slog.LevelInfo)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Watch(ctx, root, log) }()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "alice", "mount.list"), []byte("alice tank/home/alice\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), "policy change") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	if !strings.Contains(buf.String(), "policy change") {
		t.Errorf("expected a policy change log line, got %q", buf.String())
	}
}

func TestWatchMissingRootDoesNotError(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does-not-exist")

	var buf bytes.Buffer
	log := brokerlog.Init(&buf, slog.LevelInfo)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := Watch(ctx, root, log)
	if err != nil {
		t.Fatalf("expected Watch to tolerate a missing root, got err=%v", err)
	}
	if !strings.Contains(buf.String(), "not watchable") {
		t.Errorf("expected a WARN log about the unwatchable root, got %q", buf.String())
	}
}
