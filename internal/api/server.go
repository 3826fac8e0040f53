package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"sentinel/internal/alerts"
	"sentinel/internal/config"
	"sentinel/internal/model"
	"sentinel/internal/monitor"
	"sentinel/internal/storage"
)

// SweepControl restarts the background sweep after a config change.
type SweepControl interface {
	Restart()
}

type Server struct {
	cfg     *config.Manager
	service *monitor.Service
	feed    *alerts.Feed
	sweep   SweepControl
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string   `json:"status"`
	Time       string   `json:"time"`
	Version    string   `json:"version"`
	ConfigPath string   `json:"config_path"`
	RealTime   bool     `json:"real_time"`
	Intake     intake   `json:"intake"`
	Channels   []string `json:"alert_channels"`
}

type intake struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
}

func Start(ctx context.Context, cfg *config.Manager, service *monitor.Service, feed *alerts.Feed, sweep SweepControl, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:     cfg,
		service: service,
		feed:    feed,
		sweep:   sweep,
		logger:  logger,
		version: version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/events", server.handleEvents)
	mux.HandleFunc("/events/recent", server.handleRecentEvents)
	mux.HandleFunc("/events/resolve", server.handleResolve)
	mux.HandleFunc("/alerts", server.handleAlerts)
	mux.HandleFunc("/indicators", server.handleIndicators)
	mux.HandleFunc("/indicators/block", server.handleBlock)
	mux.HandleFunc("/indicators/unblock", server.handleUnblock)
	mux.HandleFunc("/stats", server.handleStats)
	mux.HandleFunc("/config/monitoring", server.handleMonitoringConfig)

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	channels := make([]string, 0, 4)
	ac := cfg.Monitoring.AlertChannels
	if ac.Email.Enabled {
		channels = append(channels, string(model.ChannelEmail))
	}
	if ac.SMS.Enabled {
		channels = append(channels, string(model.ChannelSMS))
	}
	if ac.Webhook.Enabled {
		channels = append(channels, string(model.ChannelWebhook))
	}
	if ac.Dashboard.Enabled {
		channels = append(channels, string(model.ChannelDashboard))
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		RealTime:   cfg.Monitoring.RealTime,
		Intake:     intake{REST: cfg.Ingest.REST.Enabled, Kafka: cfg.Ingest.Kafka.Enabled},
		Channels:   channels,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	filter := storage.EventFilter{
		EventType: model.EventType(q.Get("type")),
		Severity:  model.Severity(q.Get("severity")),
		UserID:    q.Get("user_id"),
	}
	if v := q.Get("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		filter.Resolved = &resolved
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		filter.From = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		filter.To = ts
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	events, err := s.service.GetEvents(r.Context(), filter, limit)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("list events failed", "err", err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	eventType := model.EventType(q.Get("type"))
	ip := q.Get("ip")
	if !model.ValidEventType(eventType) || ip == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	hours := 1
	if v := q.Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}
	events := s.service.GetRecentEvents(eventType, ip, hours)
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID         string `json:"id"`
		ResolvedBy string `json:"resolved_by"`
		Notes      string `json:"notes"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.ID == "" || req.ResolvedBy == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.service.ResolveEvent(r.Context(), req.ID, req.ResolvedBy, req.Notes); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if s.logger != nil {
			s.logger.Error("resolve event failed", "id", req.ID, "err", err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	sinceStr := r.URL.Query().Get("since")
	var list []model.SecurityAlert
	if sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.feed.Since(ts)
	} else {
		list = s.feed.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list := s.service.Indicators()
	writeJSON(w, http.StatusOK, map[string]any{"indicators": list, "count": len(list)})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		IP     string `json:"ip"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.IP == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.service.BlockIP(r.Context(), req.IP, req.Reason); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		IP string `json:"ip"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.IP == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.service.UnblockIP(r.Context(), req.IP); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Stats())
}

// handleMonitoringConfig merges a partial monitoring section over the
// current config. The merge is all-or-nothing; on success the sweep is
// restarted so new timings take effect.
func (s *Server) handleMonitoringConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"monitoring": s.cfg.Get().Monitoring})
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		current := s.cfg.Get()
		merged, err := config.MergeMonitoringPatch(current.Monitoring, body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		next := *current
		next.Monitoring = merged
		if err := s.cfg.Update(&next); err != nil {
			if s.logger != nil {
				s.logger.Error("config update failed", "err", err)
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if s.sweep != nil {
			s.sweep.Restart()
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
