package yblocker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gofrs/flock"
)

// MaxFieldLength is the maximum number of characters kept for each
// VisitRecord string field.
const MaxFieldLength = 255

var (
	// ErrStoreLocked is returned when another process already owns the store file.
	ErrStoreLocked = errors.New("history store is locked by another process")

	// ErrCorruptStore is returned when the durable snapshot cannot be decoded.
	ErrCorruptStore = errors.New("history store is corrupt")

	// ErrStoreClosed is returned by mutations after Close.
	ErrStoreClosed = errors.New("history store is closed")
)

// VisitRecord is a single visited page. Records are immutable once created.
type VisitRecord struct {
	URL       string    `json:"url"`
	Hostname  string    `json:"hostname"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// NewVisitRecord builds a VisitRecord with every string field clipped to
// MaxFieldLength characters.
func NewVisitRecord(rawURL, hostname, title string, createdAt time.Time) VisitRecord {
	return VisitRecord{
		URL:       clip(rawURL),
		Hostname:  clip(hostname),
		Title:     clip(title),
		CreatedAt: createdAt.UTC(),
	}
}

func clip(s string) string {
	if utf8.RuneCountInString(s) <= MaxFieldLength {
		return s
	}
	n := 0
	for i := range s {
		if n == MaxFieldLength {
			return s[:i]
		}
		n++
	}
	return s
}

// Snapshot is the durable shape of the history store.
//
// Histories holds captured records not yet queued for upload.
// PendingSendHistories holds records queued and awaiting a confirmed upload.
// A record lives in exactly one of the two sequences.
type Snapshot struct {
	Histories            []VisitRecord `json:"histories"`
	PendingSendHistories []VisitRecord `json:"pendingSendHistories"`
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{
		Histories:            append([]VisitRecord{}, s.Histories...),
		PendingSendHistories: append([]VisitRecord{}, s.PendingSendHistories...),
	}
}

// HistoryStore is a write-through, file-backed store of visit records.
// Every mutation persists a full snapshot before returning.
type HistoryStore struct {
	// Logger for store events
	Logger *slog.Logger

	path   string
	indent bool

	mu     sync.Mutex
	state  Snapshot
	lock   *flock.Flock
	closed bool
}

// StoreOption configures a HistoryStore.
type StoreOption func(*HistoryStore)

// WithIndent makes persisted snapshots human-readable.
func WithIndent(indent bool) StoreOption {
	return func(s *HistoryStore) { s.indent = indent }
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *HistoryStore) { s.Logger = logger }
}

// OpenHistoryStore takes ownership of the store file at path and loads it.
// A missing file is initialized empty and persisted immediately. The file
// stays locked until Close so a second process cannot load it concurrently.
func OpenHistoryStore(path string, opts ...StoreOption) (*HistoryStore, error) {
	s := &HistoryStore{
		Logger: slog.Default(),
		path:   path,
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	s.lock = flock.New(path + ".lock")
	locked, err := s.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock store: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrStoreLocked, path)
	}

	if err := s.load(); err != nil {
		_ = s.lock.Unlock()
		return nil, err
	}

	return s, nil
}

func (s *HistoryStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.state = Snapshot{Histories: []VisitRecord{}, PendingSendHistories: []VisitRecord{}}
		s.Logger.Info("initializing history store", "path", s.path)
		return s.persistLocked()
	}
	if err != nil {
		return fmt.Errorf("read store: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptStore, s.path, err)
	}
	if snap.Histories == nil {
		snap.Histories = []VisitRecord{}
	}
	if snap.PendingSendHistories == nil {
		snap.PendingSendHistories = []VisitRecord{}
	}
	s.state = snap

	s.Logger.Info("loaded history store",
		"path", s.path,
		"histories", len(snap.Histories),
		"pending", len(snap.PendingSendHistories),
	)
	return nil
}

// Path returns the store file path.
func (s *HistoryStore) Path() string {
	return s.path
}

// Snapshot returns a copy of the current state.
func (s *HistoryStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Append adds a record to Histories and persists the store.
func (s *HistoryStore) Append(rec VisitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.state.Histories = append(s.state.Histories, rec)
	return s.persistLocked()
}

// MoveToPending moves every record from Histories to the end of
// PendingSendHistories, persists, and returns a copy of the pending queue.
func (s *HistoryStore) MoveToPending() ([]VisitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	if len(s.state.Histories) > 0 {
		s.state.PendingSendHistories = append(s.state.PendingSendHistories, s.state.Histories...)
		s.state.Histories = []VisitRecord{}
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	}

	return append([]VisitRecord{}, s.state.PendingSendHistories...), nil
}

// ConfirmSent drops the first n records of PendingSendHistories after a
// confirmed upload and persists the store.
func (s *HistoryStore) ConfirmSent(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if n <= 0 {
		return nil
	}
	if n > len(s.state.PendingSendHistories) {
		n = len(s.state.PendingSendHistories)
	}

	s.state.PendingSendHistories = append([]VisitRecord{}, s.state.PendingSendHistories[n:]...)
	return s.persistLocked()
}

// Counts returns the lengths of Histories and PendingSendHistories.
func (s *HistoryStore) Counts() (histories, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Histories), len(s.state.PendingSendHistories)
}

// Check returns ErrStoreClosed once the store has been closed.
func (s *HistoryStore) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Flush persists the current state.
func (s *HistoryStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.persistLocked()
}

// Close flushes the store and releases the file lock. It is safe to call
// more than once.
func (s *HistoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.persistLocked()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = fmt.Errorf("unlock store: %w", uerr)
	}
	return err
}

// persistLocked writes the full snapshot to a temporary file next to the
// store and renames it into place. Callers hold s.mu.
func (s *HistoryStore) persistLocked() error {
	var (
		data []byte
		err  error
	)
	if s.indent {
		data, err = json.MarshalIndent(s.state, "", "  ")
	} else {
		data, err = json.Marshal(s.state)
	}
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("persist store: %w", err)
	}
	return nil
}

// writeFileAtomic replaces path with data so readers never observe a
// partially written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
