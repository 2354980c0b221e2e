//go:build !windows

package instance

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

func shortTempDir(t *testing.T) string {
	t.Helper()
	// unix socket paths are limited to roughly 100 bytes.
	dir, err := os.MkdirTemp("", "dt")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestSecondGuardDoesNotAcquire(t *testing.T) {
	dir := shortTempDir(t)
	first := NewGuard("app", dir)
	held, err := first.TryAcquireLock()
	if err != nil || !held {
		t.Fatalf("first guard: held=%v err=%v", held, err)
	}
	defer func() { _ = first.Close() }()

	second := NewGuard("app", dir)
	held, err = second.TryAcquireLock()
	if err != nil {
		t.Fatalf("second guard: %v", err)
	}
	if held {
		t.Fatal("second guard must not acquire the lock")
	}
}

func TestLockReleasedOnClose(t *testing.T) {
	dir := shortTempDir(t)
	first := NewGuard("app", dir)
	if held, err := first.TryAcquireLock(); err != nil || !held {
		t.Fatalf("first guard: held=%v err=%v", held, err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := NewGuard("app", dir)
	held, err := second.TryAcquireLock()
	if err != nil || !held {
		t.Fatalf("expected reacquire after close: held=%v err=%v", held, err)
	}
	_ = second.Close()
}

func TestForwardDeliversArguments(t *testing.T) {
	dir := shortTempDir(t)
	holder := NewGuard("app", dir)
	if held, err := holder.TryAcquireLock(); err != nil || !held {
		t.Fatalf("acquire: held=%v err=%v", held, err)
	}
	defer func() { _ = holder.Close() }()

	got := make(chan []string, 1)
	holder.OnActivation(func(args []string) { got <- args })

	want := []string{"/usr/bin/displaything", "displaything://auth-success?access_token=A"}
	if err := NewGuard("app", dir).Forward(want); err != nil {
		t.Fatalf("forward: %v", err)
	}
	select {
	case args := <-got:
		if !reflect.DeepEqual(args, want) {
			t.Fatalf("expected %v, got %v", want, args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("activation not delivered")
	}
}

func TestActivationsQueuedUntilHandlerRegistered(t *testing.T) {
	dir := shortTempDir(t)
	holder := NewGuard("app", dir)
	if held, err := holder.TryAcquireLock(); err != nil || !held {
		t.Fatalf("acquire: held=%v err=%v", held, err)
	}
	defer func() { _ = holder.Close() }()

	sender := NewGuard("app", dir)
	for _, arg := range []string{"one", "two"} {
		if err := sender.Forward([]string{arg}); err != nil {
			t.Fatalf("forward %s: %v", arg, err)
		}
	}

	// Forward returns after the ack, which is written before the activation is queued.
	deadline := time.Now().Add(2 * time.Second)
	for {
		holder.mu.Lock()
		n := len(holder.pending)
		holder.mu.Unlock()
		if n == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	var mu sync.Mutex
	var seen []string
	holder.OnActivation(func(args []string) {
		mu.Lock()
		seen = append(seen, args...)
		mu.Unlock()
	})
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(seen, []string{"one", "two"}) {
		t.Fatalf("expected queued activations in order, got %v", seen)
	}
}

func TestForwardWithoutHolderFails(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the forward timeout")
	}
	dir := shortTempDir(t)
	if err := NewGuard("app", dir).Forward([]string{"x"}); err == nil {
		t.Fatal("expected error when no instance is running")
	}
	if _, err := os.Stat(filepath.Join(dir, "app.sock")); !os.IsNotExist(err) {
		t.Fatalf("forward must not create the socket: %v", err)
	}
}
