package yblocker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()

	certPath, keyPath := filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca.key")
	if err := WriteCA(certPath, keyPath, "Test CA", 1, false); err != nil {
		t.Fatalf("WriteCA() error = %v", err)
	}
	listPath := filepath.Join(dir, "list.txt")
	if err := os.WriteFile(listPath, []byte("! test list\n||ads.example.com^\n##.banner\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.FilterLists = []string{listPath}
	cfg.HTTPS.CertPath = certPath
	cfg.HTTPS.KeyPath = keyPath
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Store.Path = filepath.Join(dir, "store.json")
	cfg.CustomRules.Path = filepath.Join(dir, "filter.txt")
	cfg.CustomRules.Watch = false
	cfg.Console = false
	return &cfg
}

func TestNewApp_RunAndClose(t *testing.T) {
	cfg := newTestConfig(t)
	if err := os.WriteFile(cfg.CustomRules.Path, []byte("||custom.example^\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	app, err := NewApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	if n := app.Engine.Count(); n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}
	if app.Syncer != nil {
		t.Error("Syncer created without an endpoint")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	waitFor(t, "ready", app.Health.IsReady)
	addr, err := app.Proxy.ListenAddr(ctx)
	if err != nil {
		t.Fatal(err)
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	resp, err = client.Get("http://" + addr.String() + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	var status StatusResponse
	err = json.NewDecoder(resp.Body).Decode(&status)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.RuleCount != 3 || status.CustomRuleVersion != 1 {
		t.Errorf("status = %+v", status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if err := app.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := app.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	// The store lock is released.
	s, err := OpenHistoryStore(cfg.Store.Path, WithStoreLogger(discardLogger()))
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	_ = s.Close()
}

func TestNewApp_ProxiesWithConsoleDisabled(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(htmlBackend))
	defer backend.Close()

	cfg := newTestConfig(t)
	cfg.Console = false
	app, err := NewApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer func() { _ = app.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	addr, err := app.Proxy.ListenAddr(ctx)
	if err != nil {
		t.Fatal(err)
	}
	proxyURL, _ := url.Parse("http://" + addr.String())
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}

	resp, err := client.Get(backend.URL + "/")
	if err != nil {
		t.Fatalf("GET through proxy: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "<style>.banner { display: none !important; }</style></head>") {
		t.Errorf("page not annotated:\n%s", body)
	}
	if h, _ := app.Store.Counts(); h != 1 {
		t.Errorf("histories = %d, want 1", h)
	}

	if resp, err := client.Get("http://ads.example.com/x"); err == nil {
		_ = resp.Body.Close()
		t.Errorf("blocked request got a %d response", resp.StatusCode)
	}
}

func TestNewApp_WithSync(t *testing.T) {
	srv := newSyncServer(t)
	cfg := newTestConfig(t)
	cfg.Sync.Endpoint = srv.URL
	cfg.Sync.Token = "tok"

	app, err := NewApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer func() { _ = app.Close() }()

	if app.Syncer == nil {
		t.Fatal("Syncer not created")
	}
	if got := app.Syncer.Interval; got != 10*time.Minute {
		t.Errorf("Interval = %v, want 10m", got)
	}
	if err := app.Store.Append(testRecord(0)); err != nil {
		t.Fatal(err)
	}
	res, err := app.Syncer.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if res.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", res.Uploaded)
	}
}

func TestNewApp_UnreachableListsStartEmpty(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.FilterLists = []string{filepath.Join(t.TempDir(), "missing.txt")}

	app, err := NewApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer func() { _ = app.Close() }()

	if n := app.Engine.Count(); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
	app.Health.SetReady(true)
	if app.Health.IsReady() {
		t.Error("ready without any rules")
	}

	if err := app.Rules.Replace(context.Background(), "||late.example^"); err != nil {
		t.Fatal(err)
	}
	if !app.Health.IsReady() {
		t.Error("not ready after custom rules loaded")
	}
}

func TestNewApp_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"invalid config", func(c *Config) { c.PollingStepTime = 0 }, "invalid config"},
		{"missing CA", func(c *Config) { c.HTTPS.CertPath = filepath.Join(filepath.Dir(c.Store.Path), "nope.pem") }, "gen-ca"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig(t)
			tt.mutate(cfg)

			_, err := NewApp(context.Background(), cfg, discardLogger())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("NewApp() error = %v, want it to mention %q", err, tt.wantErr)
			}

			// A failed start never leaves the store locked.
			s, err := OpenHistoryStore(cfg.Store.Path, WithStoreLogger(discardLogger()))
			if err != nil {
				t.Fatalf("OpenHistoryStore() after failed start: %v", err)
			}
			_ = s.Close()
		})
	}
}
