package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const mlYAML = `platform_id: ml-platform
workflow_type: app
enabled: true
stages:
  - name: data-preparation
    agent_type: data-validation
    timeout_ms: 60000
    retry_strategy: {max_retries: 2, backoff_ms: 500}
    on_success: model-training
    on_failure: END
    weight: 30
  - name: model-training
    agent_type: ml-training
    timeout_ms: 600000
    retry_strategy: {max_retries: 2, backoff_ms: 1000}
    on_success: model-evaluation
    on_failure: END
    weight: 50
  - name: model-evaluation
    agent_type: validation
    timeout_ms: 60000
    retry_strategy: {max_retries: 1, backoff_ms: 500}
    on_success: END
    on_failure: END
    weight: 20
`

const brokenYAML = `platform_id: web-platform
workflow_type: app
enabled: true
stages:
  - name: build
    agent_type: scaffold
    timeout_ms: 60000
    on_success: missing-stage
    weight: 10
`

func TestStoreLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ml-platform.yaml"), mlYAML)
	writeFile(t, filepath.Join(dir, "web-platform.yaml"), brokenYAML)
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a definition")

	store := NewStore(dir)
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	defs := store.List()
	if len(defs) != 1 {
		t.Fatalf("expected the invalid file to be skipped, got %d definitions", len(defs))
	}

	def, err := store.Definition(context.Background(), "ml-platform", "app")
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	if len(def.Stages) != 3 || def.Stages[1].RetryStrategy.MaxRetries != 2 {
		t.Errorf("definition not parsed as expected: %+v", def)
	}
}

func TestStoreReloadReplacesContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ml-platform.yaml")
	writeFile(t, path, mlYAML)

	var changes int
	store := NewStore(dir, WithChangeFunc(func(string, string) { changes++ }))
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if changes != 1 {
		t.Fatalf("expected one change on initial load, got %d", changes)
	}

	// Unchanged reload notifies nothing.
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if changes != 1 {
		t.Errorf("unchanged reload must not notify, got %d", changes)
	}

	// Removing the file drops the definition.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("reload after remove: %v", err)
	}
	if changes != 2 {
		t.Errorf("expected removal notification, got %d", changes)
	}
	if len(store.List()) != 0 {
		t.Errorf("expected empty store after removal")
	}
}

func TestWatchBlocksUntilCancel(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	// Watch is a long-running loop: callers must put it on its own
	// goroutine. It must not return while the directory is idle.
	select {
	case err := <-done:
		t.Fatalf("Watch returned while idle: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Watch after cancel = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	changed := make(chan struct{}, 4)
	store := NewStore(dir, WithChangeFunc(func(string, string) { changed <- struct{}{} }))
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = store.Watch(ctx) }()
	// Let the watcher register before the write lands.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, filepath.Join(dir, "ml-platform.yaml"), mlYAML)

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification after write")
	}
	if _, err := store.Definition(context.Background(), "ml-platform", "app"); err != nil {
		t.Errorf("Definition after reload: %v", err)
	}
}

func TestWatchRequiresDirectory(t *testing.T) {
	store := NewStore("")
	if err := store.Watch(context.Background()); err == nil {
		t.Error("expected error watching a store without a directory")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
