package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const watchDoc = `
space: {id: dev}
participants:
  alice:
    tokens: ["t1"]
`

func TestWatchDeliversReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "space.yaml")
	if err := os.WriteFile(path, []byte(watchDoc), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan *SpaceConfig, 4)
	go Watch(ctx, path, false, func(cfg *SpaceConfig) { reloads <- cfg })

	// Give the watcher a moment to register before the first write.
	time.Sleep(100 * time.Millisecond)

	updated := watchDoc + `  bob:
    tokens: ["t2"]
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	select {
	case cfg := <-reloads:
		if len(cfg.Participants) != 2 {
			t.Errorf("reload should carry the new descriptor, got %d participants", len(cfg.Participants))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never delivered the reload")
	}
}

func TestWatchKeepsPreviousOnParseFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "space.yaml")
	os.WriteFile(path, []byte(watchDoc), 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan *SpaceConfig, 4)
	go Watch(ctx, path, false, func(cfg *SpaceConfig) { reloads <- cfg })
	time.Sleep(100 * time.Millisecond)

	// Broken YAML must not reach the callback.
	os.WriteFile(path, []byte("space: {id: ["), 0o644)

	select {
	case cfg := <-reloads:
		t.Fatalf("unparseable descriptor should be dropped, got %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}
}
