package yblocker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxCustomRulesBody limits PUT /api/rules/custom uploads.
const maxCustomRulesBody = 4 << 20

// HistorySource is the read side of the history store.
type HistorySource interface {
	Snapshot() Snapshot
	Counts() (histories, pending int)
}

// AdminAPI provides REST endpoints for inspecting and driving a running
// instance: store contents, on-demand sync and custom rule reloads.
//
// The API is mounted at a configurable path prefix (default "/api") and
// uses [chi] for routing. Components left nil make their endpoints answer
// 501 Not Implemented.
type AdminAPI struct {
	// Store is the history store to expose.
	Store HistorySource

	// Engine reports the loaded rule count.
	Engine Engine

	// Rules is the custom rule manager.
	Rules *CustomRules

	// Syncer runs on-demand sync ticks.
	Syncer *Syncer

	// Health supplies the uptime.
	Health *HealthChecker

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	router chi.Router
}

// NewAdminAPI creates an AdminAPI over the given components.
func NewAdminAPI(store HistorySource, engine Engine, rules *CustomRules, syncer *Syncer) *AdminAPI {
	a := &AdminAPI{
		Store:      store,
		Engine:     engine,
		Rules:      rules,
		Syncer:     syncer,
		Logger:     slog.Default(),
		PathPrefix: "/api",
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/status", a.handleStatus)
		r.Get("/histories", a.handleHistories)
		r.Post("/sync", a.handleSync)
		r.Post("/rules/reload", a.handleReload)
		r.Put("/rules/custom", a.handleReplaceRules)
	})
	r.With(middleware.SetHeader("Content-Type", "text/plain; charset=utf-8")).
		Get("/rules/custom", a.handleGetRules)

	a.router = r
}

// Handler returns an http.Handler for the admin API routes.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler by delegating to the internal chi router
// after stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status            string      `json:"status"`
	Uptime            string      `json:"uptime,omitempty"`
	RuleCount         int         `json:"rule_count"`
	CustomRuleVersion uint64      `json:"custom_rule_version"`
	Histories         int         `json:"histories"`
	Pending           int         `json:"pending"`
	LastSync          *SyncStatus `json:"last_sync,omitempty"`
}

// SyncStatus describes the most recent sync tick.
type SyncStatus struct {
	At     time.Time  `json:"at"`
	Result TickResult `json:"result"`
	Error  string     `json:"error,omitempty"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Status: "ok"}

	if a.Health != nil {
		resp.Uptime = a.Health.Uptime().Truncate(time.Second).String()
	}
	if a.Engine != nil {
		resp.RuleCount = a.Engine.Count()
	}
	if a.Rules != nil {
		resp.CustomRuleVersion = a.Rules.Version()
	}
	if a.Store != nil {
		resp.Histories, resp.Pending = a.Store.Counts()
	}
	if a.Syncer != nil {
		if res, at, err := a.Syncer.Last(); !at.IsZero() {
			resp.LastSync = &SyncStatus{At: at, Result: res}
			if err != nil {
				resp.LastSync.Error = err.Error()
			}
		}
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleHistories(w http.ResponseWriter, _ *http.Request) {
	if a.Store == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "history store not configured"})
		return
	}
	a.writeJSON(w, http.StatusOK, a.Store.Snapshot())
}

func (a *AdminAPI) handleSync(w http.ResponseWriter, r *http.Request) {
	if a.Syncer == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "sync not configured"})
		return
	}

	res, err := a.Syncer.Tick(context.WithoutCancel(r.Context()))
	if err != nil {
		a.Logger.Error("admin API sync failed", "error", err)
		a.writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "sync failed: " + err.Error()})
		return
	}

	a.Logger.Info("sync triggered via admin API", "uploaded", res.Uploaded, "skipped", res.Skipped)
	a.writeJSON(w, http.StatusOK, res)
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.Rules == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "custom rules not configured"})
		return
	}

	if err := a.Rules.Reload(r.Context()); err != nil {
		a.Logger.Error("admin API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.Logger.Info("custom rules reloaded via admin API", "version", a.Rules.Version())
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *AdminAPI) handleGetRules(w http.ResponseWriter, _ *http.Request) {
	if a.Rules == nil {
		http.Error(w, "custom rules not configured", http.StatusNotImplemented)
		return
	}

	data, err := os.ReadFile(a.Rules.Path())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}

func (a *AdminAPI) handleReplaceRules(w http.ResponseWriter, r *http.Request) {
	if a.Rules == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "custom rules not configured"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCustomRulesBody))
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "read body: " + err.Error()})
		return
	}

	if err := a.Rules.Replace(r.Context(), string(body)); err != nil {
		a.Logger.Error("admin API rule replace failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "replace failed: " + err.Error()})
		return
	}

	a.Logger.Info("custom rules replaced via admin API", "version", a.Rules.Version())
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "rules replaced"})
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
