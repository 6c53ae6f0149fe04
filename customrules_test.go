package yblocker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func newTestCustomRules(t *testing.T, path string) (*CustomRules, *FilterEngine) {
	t.Helper()
	engine := newTestEngine(t, "||base.example^")
	cr := NewCustomRules(path, engine)
	cr.Logger = discardLogger()
	cr.Metrics = NewMetrics()
	return cr, engine
}

func blocks(e Engine, rawURL string) bool {
	blocked, _ := e.Match(DescribeRequest(rawURL, nil))
	return blocked
}

func TestCustomRules_ReloadMissingFile(t *testing.T) {
	cr, engine := newTestCustomRules(t, filepath.Join(t.TempDir(), "filter.txt"))

	if err := cr.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if v := cr.Version(); v != 1 {
		t.Errorf("Version() = %d, want 1", v)
	}
	if n := len(cr.IDs()); n != 0 {
		t.Errorf("IDs() = %d, want 0", n)
	}
	if n := engine.Count(); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestCustomRules_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.txt")
	if err := os.WriteFile(path, []byte("||one.example^\n! note\n||two.example^\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cr, engine := newTestCustomRules(t, path)

	if err := cr.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(cr.IDs()); n != 2 {
		t.Errorf("IDs() = %d, want 2", n)
	}
	if !blocks(engine, "https://one.example/") || !blocks(engine, "https://two.example/") {
		t.Error("custom rules not applied")
	}

	// Unchanged content is a no-op.
	if err := cr.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v := cr.Version(); v != 1 {
		t.Errorf("Version() = %d after unchanged reload, want 1", v)
	}

	if err := os.WriteFile(path, []byte("||three.example^\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cr.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		url  string
		want bool
	}{
		{"https://base.example/", true},
		{"https://one.example/", false},
		{"https://two.example/", false},
		{"https://three.example/", true},
	}
	for _, tt := range tests {
		if got := blocks(engine, tt.url); got != tt.want {
			t.Errorf("Match(%s) = %v, want %v", tt.url, got, tt.want)
		}
	}
	if n := engine.Count(); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := cr.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if blocks(engine, "https://three.example/") {
		t.Error("rules kept after the file was removed")
	}
}

func TestCustomRules_Replace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules", "filter.txt")
	cr, engine := newTestCustomRules(t, path)

	if err := cr.Replace(context.Background(), "||first.example^"); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if err := cr.Replace(context.Background(), "||second.example^\n"); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "||second.example^\n" {
		t.Errorf("file = %q", data)
	}
	if blocks(engine, "https://first.example/") || !blocks(engine, "https://second.example/") {
		t.Error("Replace() did not swap the rule set")
	}
	if v := cr.Version(); v != 2 {
		t.Errorf("Version() = %d, want 2", v)
	}

	// The file now matches the loaded rules, so a reload is a no-op.
	if err := cr.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v := cr.Version(); v != 2 {
		t.Errorf("Version() = %d after reload, want 2", v)
	}
}

func TestCustomRules_Watch(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "filter.txt")
	cr, engine := newTestCustomRules(t, path)
	if err := cr.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cr.Watch(ctx, 20*time.Millisecond) }()

	// Keep rewriting until the watcher is installed and has applied the change.
	deadline := time.Now().Add(3 * time.Second)
	for cr.Version() < 2 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("timed out waiting for watched reload")
		}
		if err := os.WriteFile(path, []byte("||watched.example^\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	if !blocks(engine, "https://watched.example/") {
		t.Error("watched change not applied")
	}

	// Other files in the directory are ignored.
	v := cr.Version()
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := cr.Version(); got != v {
		t.Errorf("Version() = %d after unrelated write, want %d", got, v)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch() did not stop after cancel")
	}
}
