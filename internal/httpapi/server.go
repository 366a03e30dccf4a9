// Package httpapi serves the health probe and read-only diagnostics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"guildlog/internal/eventlog"
	"guildlog/internal/events"
	"guildlog/internal/guildconfig"
	"guildlog/internal/routing"
)

type ConfigReader interface {
	GetConfig(ctx context.Context, guildID string) (guildconfig.Config, bool, error)
	ListEnabledEvents(ctx context.Context, guildID string) ([]events.Kind, error)
	ListEventChannels(ctx context.Context, guildID string) (map[events.Kind]string, error)
}

type Explainer interface {
	Explain(ctx context.Context, guildID string, kind events.Kind) (routing.Explanation, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is the slice of persistence the HTTP surface reads directly.
type Store interface {
	Pinger
	eventlog.Counter
}

type RoutingSummary struct {
	GuildID        string                 `json:"guild_id"`
	Configured     bool                   `json:"configured"`
	LoggingEnabled bool                   `json:"logging_enabled"`
	Active         bool                   `json:"active"`
	LogChannelID   string                 `json:"log_channel_id,omitempty"`
	EnabledEvents  []events.Kind          `json:"enabled_events"`
	EventChannels  map[events.Kind]string `json:"event_channels"`
	Resolution     []routing.Explanation  `json:"resolution"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	config    ConfigReader
	explainer Explainer
	db        Store
	logger    *zap.Logger
}

func New(config ConfigReader, explainer Explainer, db Store, logger *zap.Logger) *Server {
	return &Server{config: config, explainer: explainer, db: db, logger: logger}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Get("/guilds/{guildID}/routing", s.routing)
	r.Get("/guilds/{guildID}/events", s.eventReport)
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) routing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	guildID := chi.URLParam(r, "guildID")

	cfg, exists, err := s.config.GetConfig(ctx, guildID)
	if err != nil {
		s.logger.Error("routing summary config", zap.String("guild_id", guildID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "config unavailable")
		return
	}
	enabled, err := s.config.ListEnabledEvents(ctx, guildID)
	if err != nil {
		s.logger.Error("routing summary events", zap.String("guild_id", guildID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "config unavailable")
		return
	}
	channels, err := s.config.ListEventChannels(ctx, guildID)
	if err != nil {
		s.logger.Error("routing summary channels", zap.String("guild_id", guildID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "config unavailable")
		return
	}

	summary := RoutingSummary{
		GuildID:        guildID,
		Configured:     exists,
		LoggingEnabled: cfg.LoggingEnabled,
		Active:         cfg.Active,
		LogChannelID:   cfg.LogChannelID,
		EnabledEvents:  enabled,
		EventChannels:  channels,
	}
	if summary.EnabledEvents == nil {
		summary.EnabledEvents = []events.Kind{}
	}
	if summary.EventChannels == nil {
		summary.EventChannels = map[events.Kind]string{}
	}
	for _, kind := range events.All() {
		explanation, err := s.explainer.Explain(ctx, guildID, kind)
		if err != nil {
			s.logger.Error("routing summary explain", zap.String("guild_id", guildID), zap.String("event_type", string(kind)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "config unavailable")
			return
		}
		summary.Resolution = append(summary.Resolution, explanation)
	}
	writeJSON(w, http.StatusOK, summary)
}

// eventReport summarizes logged events. ?since takes a Go duration and
// defaults to 24h.
func (s *Server) eventReport(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "since must be a positive duration such as 24h")
			return
		}
		window = parsed
	}
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}

	report, err := eventlog.BuildReport(r.Context(), s.db, guildID, time.Now().Add(-window))
	if err != nil {
		s.logger.Error("event report", zap.String("guild_id", guildID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "event log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
