package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/model"
	"sentinel/internal/monitor"
	"sentinel/internal/ratelimit"
)

// Recorder is the piece of the monitor service intake needs.
type Recorder interface {
	RecordEvent(ctx context.Context, in monitor.EventInput) (model.SecurityEvent, error)
}

type RESTServer struct {
	cfg      *config.Manager
	recorder Recorder
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// StartREST serves the event intake endpoint. Admission is rate limited per
// source IP before any event is recorded.
func StartREST(ctx context.Context, cfg *config.Manager, recorder Recorder, limiter *ratelimit.Limiter, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest intake disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest intake enabled", "addr", current.Addr)
	}
	server := &RESTServer{cfg: cfg, recorder: recorder, limiter: limiter, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", server.handleEvents)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
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
				logger.Error("rest intake server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.limiter != nil {
		limits := ratelimit.Limits{
			MaxRequests: s.cfg.Get().RateLimit.MaxRequests,
			Window:      s.cfg.Get().RateLimit.Window,
			BurstLimit:  s.cfg.Get().RateLimit.BurstLimit,
		}
		res := s.limiter.CheckIP(clientIP(r), limits)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			if res.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
			}
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil || len(body) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	accepted := 0
	failed := 0
	trim := bytesTrim(body)
	if len(trim) > 0 && trim[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trim, &list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, raw := range list {
			if s.record(r.Context(), raw) != nil {
				failed++
				continue
			}
			accepted++
		}
	} else {
		if s.record(r.Context(), trim) != nil {
			failed++
		} else {
			accepted++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted": accepted,
		"failed":   failed,
	})
}

func (s *RESTServer) record(ctx context.Context, raw []byte) error {
	in, err := DecodeEvent(raw)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("rest intake decode error", "err", err)
		}
		return err
	}
	if _, err := s.recorder.RecordEvent(ctx, in); err != nil {
		if s.logger != nil {
			s.logger.Warn("rest intake record error", "err", err)
		}
		return err
	}
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bytesTrim(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}
