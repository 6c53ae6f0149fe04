package yblocker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrUploadRejected is returned when the sync endpoint answers with a
	// non-2xx status.
	ErrUploadRejected = errors.New("upload rejected")

	// ErrSyncNotConfigured is returned when no sync endpoint is set.
	ErrSyncNotConfigured = errors.New("sync endpoint not configured")
)

// HistoriesPath is the sync endpoint path, relative to the configured base URL.
const HistoriesPath = "/api/histories"

// UploadRequest is the JSON body sent to the sync endpoint.
type UploadRequest struct {
	Histories []VisitRecord `json:"histories"`
}

// SyncResponse is the JSON body returned by the sync endpoint.
type SyncResponse struct {
	Message string `json:"message"`

	// Blacklist, when present, replaces the custom rule file.
	Blacklist *string `json:"blacklist,omitempty"`
}

// SyncClient uploads visit records to the remote sync endpoint.
type SyncClient struct {
	// Endpoint is the base URL of the remote service.
	Endpoint string

	// Token is sent as a bearer token.
	Token string

	// Client for HTTP requests (uses http.DefaultClient if nil)
	Client *http.Client
}

// NewSyncClient creates a client for the given base URL and token.
func NewSyncClient(endpoint, token string) *SyncClient {
	return &SyncClient{Endpoint: endpoint, Token: token}
}

// Upload posts records and decodes the endpoint's reply.
func (c *SyncClient) Upload(ctx context.Context, records []VisitRecord) (SyncResponse, error) {
	if c.Endpoint == "" {
		return SyncResponse{}, ErrSyncNotConfigured
	}
	if records == nil {
		records = []VisitRecord{}
	}

	payload, err := json.Marshal(UploadRequest{Histories: records})
	if err != nil {
		return SyncResponse{}, fmt.Errorf("encode histories: %w", err)
	}

	endpoint := strings.TrimRight(c.Endpoint, "/") + HistoriesPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return SyncResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return SyncResponse{}, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return SyncResponse{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SyncResponse{}, fmt.Errorf("%w: status %d", ErrUploadRejected, resp.StatusCode)
	}

	var out SyncResponse
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return SyncResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// Uploader sends pending records to the remote endpoint.
type Uploader interface {
	Upload(ctx context.Context, records []VisitRecord) (SyncResponse, error)
}

// PendingQueue is the part of the history store the Syncer drives.
type PendingQueue interface {
	MoveToPending() ([]VisitRecord, error)
	ConfirmSent(n int) error
}

// RuleReplacer replaces the custom rule set wholesale.
type RuleReplacer interface {
	Replace(ctx context.Context, text string) error
}

// TickResult summarizes one sync tick.
type TickResult struct {
	// Uploaded is the number of records confirmed by the endpoint.
	Uploaded int `json:"uploaded"`

	// Pending is the number of records that were queued for upload.
	Pending int `json:"pending"`

	// Skipped is true when there was nothing to upload.
	Skipped bool `json:"skipped"`

	// Message is the endpoint's reply message.
	Message string `json:"message,omitempty"`

	// RulesReplaced is true when the reply carried a blacklist that was applied.
	RulesReplaced bool `json:"rules_replaced"`
}

// Syncer runs the periodic push-history, pull-rules cycle.
type Syncer struct {
	// Store holds the pending upload queue.
	Store PendingQueue

	// Uploader sends records to the remote endpoint.
	Uploader Uploader

	// Retry bounds upload attempts within a tick.
	Retry RetryPolicy

	// Rules receives replacement blocklists (optional).
	Rules RuleReplacer

	// Interval between ticks.
	Interval time.Duration

	// Metrics collects sync metrics (optional).
	Metrics *Metrics

	// Logger for sync events
	Logger *slog.Logger

	group singleflight.Group

	mu   sync.Mutex
	last TickResult
	at   time.Time
	err  error
}

// NewSyncer creates a Syncer with the default bounded retry policy.
func NewSyncer(store PendingQueue, uploader Uploader, interval time.Duration) *Syncer {
	return &Syncer{
		Store:    store,
		Uploader: uploader,
		Retry:    NewRetryPolicy(DefaultSyncAttempts, nil),
		Interval: interval,
		Logger:   slog.Default(),
	}
}

// Tick runs one sync cycle: move captured records to the pending queue,
// upload the whole queue, and on success drop the uploaded records and
// apply any returned blacklist. A tick requested while another is in
// flight shares that tick's result instead of starting a second upload.
func (s *Syncer) Tick(ctx context.Context) (TickResult, error) {
	v, err, _ := s.group.Do("tick", func() (any, error) {
		res, err := s.tick(ctx)
		s.mu.Lock()
		s.last, s.at, s.err = res, time.Now(), err
		s.mu.Unlock()
		return res, err
	})
	res, _ := v.(TickResult)
	return res, err
}

func (s *Syncer) tick(ctx context.Context) (TickResult, error) {
	pending, err := s.Store.MoveToPending()
	if err != nil {
		s.record("failure")
		return TickResult{}, fmt.Errorf("queue histories: %w", err)
	}

	res := TickResult{Pending: len(pending)}
	if s.Metrics != nil {
		s.Metrics.SetPending(len(pending))
	}
	if len(pending) == 0 {
		res.Skipped = true
		s.record("skipped")
		s.Logger.Debug("sync skipped, nothing pending")
		return res, nil
	}

	var reply SyncResponse
	err = s.Retry.Do(ctx, func(ctx context.Context) error {
		r, err := s.Uploader.Upload(ctx, pending)
		if err != nil {
			if errors.Is(err, ErrSyncNotConfigured) {
				return Permanent(err)
			}
			return err
		}
		reply = r
		return nil
	})
	if err != nil {
		s.record("failure")
		s.Logger.Error("sync upload failed", "pending", len(pending), "error", err)
		return res, fmt.Errorf("upload histories: %w", err)
	}

	if err := s.Store.ConfirmSent(len(pending)); err != nil {
		s.record("failure")
		return res, fmt.Errorf("confirm upload: %w", err)
	}
	res.Uploaded = len(pending)
	res.Message = reply.Message
	if s.Metrics != nil {
		s.Metrics.RecordUploaded(len(pending))
		s.Metrics.SetPending(0)
	}
	s.Logger.Info("histories uploaded", "count", len(pending), "message", reply.Message)

	if reply.Blacklist != nil && *reply.Blacklist != "" && s.Rules != nil {
		if err := s.Rules.Replace(ctx, *reply.Blacklist); err != nil {
			s.record("failure")
			return res, fmt.Errorf("replace custom rules: %w", err)
		}
		res.RulesReplaced = true
	}

	s.record("success")
	return res, nil
}

func (s *Syncer) record(result string) {
	if s.Metrics != nil {
		s.Metrics.RecordSync(result)
	}
}

// Last returns the result, time and error of the most recent tick.
func (s *Syncer) Last() (TickResult, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.at, s.err
}

// Run ticks every Interval until ctx is done. Tick errors are logged; the
// pending queue is retried wholesale on the next tick. Cancelling ctx stops
// the timer but lets an in-flight tick finish.
func (s *Syncer) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		return fmt.Errorf("invalid sync interval %v", s.Interval)
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Tick(context.WithoutCancel(ctx)); err != nil {
				s.Logger.Warn("sync tick failed, will retry next tick", "error", err)
			}
		}
	}
}
