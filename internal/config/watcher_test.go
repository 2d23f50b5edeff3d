package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callagent/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
  public_base_url: https://agent.example.com
gateway: {account_sid: AC1, auth_token: t, from_number: "+1"}
call:
  script:
    greeting: "Hello."
`

const watcherUpdatedYAML = `
server:
  log_level: debug
  public_base_url: https://agent.example.com
gateway: {account_sid: AC1, auth_token: t, from_number: "+1"}
call:
  script:
    greeting: "Good morning."
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// noEnv keeps the process environment out of watcher reloads.
var noEnv = config.WithLookup(func(string) (string, bool) { return "", false })

// writeFile writes content and pushes the mtime forward so coarse filesystem
// timestamps cannot hide the change.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	var mtime time.Time
	if info, err := os.Stat(path); err == nil {
		mtime = info.ModTime().Add(time.Second)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes %q: %v", path, err)
		}
	}
}

func newWatchedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callagent.yaml")
	writeFile(t, path, content)
	return path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t, watcherValidYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(50*time.Millisecond), noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Call.Script.Greeting != "Hello." {
		t.Errorf("greeting: got %q", cfg.Call.Script.Greeting)
	}
	if cfg.Storage.Backend != config.StorageMemory {
		t.Errorf("defaults not applied, backend = %q", cfg.Storage.Backend)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t, watcherValidYAML)

	var mu sync.Mutex
	var gotDiff config.ConfigDiff
	called := make(chan struct{}, 1)

	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		mu.Lock()
		gotDiff = config.Diff(old, new)
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(50*time.Millisecond), noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, watcherUpdatedYAML)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if !gotDiff.LogLevelChanged || gotDiff.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", gotDiff)
	}
	if !gotDiff.ScriptChanged || gotDiff.NewScript.Greeting != "Good morning." {
		t.Errorf("script diff = %+v", gotDiff)
	}
	if len(gotDiff.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", gotDiff.RestartRequired)
	}
	if cur := w.Current(); cur.Call.Script.Greeting != "Good morning." {
		t.Errorf("Current() greeting = %q", cur.Call.Script.Greeting)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t, watcherValidYAML)

	var mu sync.Mutex
	callCount := 0

	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond), noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, watcherInvalidYAML)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	calls := callCount
	mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", calls)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}
}

func TestWatcher_RecoversAfterInvalidFile(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t, watcherValidYAML)

	called := make(chan *config.Config, 1)
	w, err := config.NewWatcher(path, func(_, new *config.Config) {
		select {
		case called <- new:
		default:
		}
	}, config.WithInterval(50*time.Millisecond), noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, watcherInvalidYAML)
	time.Sleep(200 * time.Millisecond)
	writeFile(t, path, watcherUpdatedYAML)

	select {
	case cfg := <-called:
		if cfg.Server.LogLevel != config.LogDebug {
			t.Errorf("log_level = %q", cfg.Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked after the file was fixed")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	_, err := config.NewWatcher("/nonexistent/path.yaml", nil)
	if err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t, watcherValidYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(50*time.Millisecond), noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Stop()
	w.Stop()
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t, watcherValidYAML)

	var mu sync.Mutex
	callCount := 0
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond), noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, watcherValidYAML)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if callCount != 0 {
		t.Errorf("touch without content change should not trigger callback, got %d calls", callCount)
	}
}
