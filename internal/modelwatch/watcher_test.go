package modelwatch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type countingRelinker struct {
	calls atomic.Int32
}

func (c *countingRelinker) RelinkAll() { c.calls.Add(1) }

func startWatch(t *testing.T, root string, r Relinker, debounce time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := Watch(ctx, root, r, debounce, nil); err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the watcher time to register the root.
	time.Sleep(100 * time.Millisecond)
}

func waitCalls(t *testing.T, r *countingRelinker, want int32) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r.calls.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("relink calls = %d, want >= %d", r.calls.Load(), want)
}

func TestWatchTriggersRelinkOnNewModel(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "checkpoints"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := &countingRelinker{}
	startWatch(t, root, r, 50*time.Millisecond)

	if err := os.WriteFile(filepath.Join(root, "checkpoints", "new.safetensors"), []byte("w"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitCalls(t, r, 1)
}

func TestWatchDebouncesBursts(t *testing.T) {
	root := t.TempDir()
	r := &countingRelinker{}
	startWatch(t, root, r, 200*time.Millisecond)

	for i := 0; i < 5; i++ {
		name := filepath.Join(root, "m"+string(rune('a'+i))+".safetensors")
		if err := os.WriteFile(name, []byte("w"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	waitCalls(t, r, 1)

	// The burst collapses into one pass.
	time.Sleep(400 * time.Millisecond)
	if n := r.calls.Load(); n != 1 {
		t.Errorf("relink calls = %d, want 1 for a single burst", n)
	}
}

func TestWatchPicksUpNewCategoryDir(t *testing.T) {
	root := t.TempDir()
	r := &countingRelinker{}
	startWatch(t, root, r, 50*time.Millisecond)

	if err := os.MkdirAll(filepath.Join(root, "loras"), 0o755); err != nil {
		t.Fatal(err)
	}
	waitCalls(t, r, 1)
	before := r.calls.Load()

	// Files inside the new directory are seen too.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "loras", "style.safetensors"), []byte("w"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitCalls(t, r, before+1)
}
