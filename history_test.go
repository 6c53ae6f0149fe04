package yblocker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func openTestStore(t *testing.T, path string, opts ...StoreOption) *HistoryStore {
	t.Helper()
	opts = append([]StoreOption{WithStoreLogger(discardLogger())}, opts...)
	s, err := OpenHistoryStore(path, opts...)
	if err != nil {
		t.Fatalf("OpenHistoryStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(i int) VisitRecord {
	host := fmt.Sprintf("site%d.example.com", i)
	return NewVisitRecord("https://"+host+"/", host, fmt.Sprintf("Page %d", i), time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC))
}

func TestNewVisitRecord_Clips(t *testing.T) {
	long := strings.Repeat("字", 300)
	rec := NewVisitRecord("https://example.com/"+strings.Repeat("a", 400), strings.Repeat("h", 256), long, time.Now())

	tests := []struct {
		field string
		value string
	}{
		{"url", rec.URL},
		{"hostname", rec.Hostname},
		{"title", rec.Title},
	}
	for _, tt := range tests {
		if n := len([]rune(tt.value)); n != MaxFieldLength {
			t.Errorf("%s has %d characters, want %d", tt.field, n, MaxFieldLength)
		}
	}
	if rec.Title != strings.Repeat("字", MaxFieldLength) {
		t.Error("title was not clipped on a character boundary")
	}

	short := NewVisitRecord("https://a.example/", "a.example", "", time.Now())
	if short.URL != "https://a.example/" || short.Title != "" {
		t.Errorf("short record altered: %+v", short)
	}
	if short.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt location = %v, want UTC", short.CreatedAt.Location())
	}
}

func TestHistoryStore_InitializesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "store.json")
	openTestStore(t, path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("store file not created: %v", err)
	}
	if got := string(data); got != `{"histories":[],"pendingSendHistories":[]}` {
		t.Errorf("initial store = %s", got)
	}
}

func TestHistoryStore_RoundTrip(t *testing.T) {
	for _, indent := range []bool{false, true} {
		t.Run(fmt.Sprintf("indent=%v", indent), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "store.json")
			s, err := OpenHistoryStore(path, WithIndent(indent), WithStoreLogger(discardLogger()))
			if err != nil {
				t.Fatal(err)
			}

			for i := range 3 {
				if err := s.Append(testRecord(i)); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := s.MoveToPending(); err != nil {
				t.Fatal(err)
			}
			if err := s.Append(testRecord(3)); err != nil {
				t.Fatal(err)
			}
			want := s.Snapshot()
			if err := s.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			reopened := openTestStore(t, path)
			if diff := cmp.Diff(want, reopened.Snapshot()); diff != "" {
				t.Errorf("snapshot mismatch after reload (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHistoryStore_QueueLifecycle(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "store.json"))

	for i := range 2 {
		if err := s.Append(testRecord(i)); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := s.MoveToPending()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]VisitRecord{testRecord(0), testRecord(1)}, pending); diff != "" {
		t.Errorf("MoveToPending() mismatch (-want +got):\n%s", diff)
	}

	// Captured during the upload; must survive the confirmation.
	if err := s.Append(testRecord(2)); err != nil {
		t.Fatal(err)
	}

	if err := s.ConfirmSent(len(pending)); err != nil {
		t.Fatal(err)
	}

	want := Snapshot{Histories: []VisitRecord{testRecord(2)}, PendingSendHistories: []VisitRecord{}}
	if diff := cmp.Diff(want, s.Snapshot()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	// Moving again must not duplicate already queued records.
	if _, err := s.MoveToPending(); err != nil {
		t.Fatal(err)
	}
	pending, err = s.MoveToPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d records, want 1", len(pending))
	}
	if h, p := s.Counts(); h != 0 || p != 1 {
		t.Errorf("Counts() = %d, %d, want 0, 1", h, p)
	}
}

func TestHistoryStore_ConfirmSentBounds(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "store.json"))
	if err := s.Append(testRecord(0)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MoveToPending(); err != nil {
		t.Fatal(err)
	}

	if err := s.ConfirmSent(0); err != nil {
		t.Fatal(err)
	}
	if _, p := s.Counts(); p != 1 {
		t.Errorf("ConfirmSent(0) dropped records: pending = %d", p)
	}

	if err := s.ConfirmSent(10); err != nil {
		t.Fatal(err)
	}
	if _, p := s.Counts(); p != 0 {
		t.Errorf("pending = %d, want 0", p)
	}
}

func TestHistoryStore_Locked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	openTestStore(t, path)

	_, err := OpenHistoryStore(path, WithStoreLogger(discardLogger()))
	if !errors.Is(err, ErrStoreLocked) {
		t.Fatalf("second OpenHistoryStore() error = %v, want ErrStoreLocked", err)
	}
}

func TestHistoryStore_ReleasesLockOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s := openTestStore(t, path)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	openTestStore(t, path)
}

func TestHistoryStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := OpenHistoryStore(path, WithStoreLogger(discardLogger()))
	if !errors.Is(err, ErrCorruptStore) {
		t.Fatalf("OpenHistoryStore() error = %v, want ErrCorruptStore", err)
	}

	// The lock must be released so the operator can fix the file and retry.
	if err := os.WriteFile(path, []byte(`{"histories":null}`), 0o644); err != nil {
		t.Fatal(err)
	}
	s := openTestStore(t, path)
	snap := s.Snapshot()
	if snap.Histories == nil || snap.PendingSendHistories == nil {
		t.Errorf("nil queues after load: %+v", snap)
	}
}

func TestHistoryStore_Closed(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "store.json"))
	if err := s.Check(); err != nil {
		t.Fatalf("Check() = %v on open store", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if err := s.Append(testRecord(0)); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Append() error = %v, want ErrStoreClosed", err)
	}
	if _, err := s.MoveToPending(); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("MoveToPending() error = %v, want ErrStoreClosed", err)
	}
	if err := s.Check(); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Check() = %v, want ErrStoreClosed", err)
	}
}

func TestHistoryStore_ConcurrentAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s := openTestStore(t, path)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Append(testRecord(i)); err != nil {
				t.Errorf("Append() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if h, _ := s.Counts(); h != 20 {
		t.Errorf("histories = %d, want 20", h)
	}
	want := s.Snapshot()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, openTestStore(t, path).Snapshot()); diff != "" {
		t.Errorf("persisted state differs (-want +got):\n%s", diff)
	}
}
