package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"maintenance-reminders/internal/models"
	"maintenance-reminders/internal/queue"
	"maintenance-reminders/internal/reminder"
	"maintenance-reminders/internal/telemetry"
)

// Limiter throttles mutating operations. *ratelimit.TokenBucket satisfies it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// QueueOps is the operational surface of the job queue.
type QueueOps interface {
	Stats(ctx context.Context) (models.QueueStats, error)
	Clean(ctx context.Context) (queue.CleanResult, error)
	History(ctx context.Context, failed bool, limit int64) ([]models.Job, error)
}

// ScannerOps is the operational surface of the reminder scanner.
type ScannerOps interface {
	TriggerManualScan(ctx context.Context) (reminder.ScanResult, error)
	IsScanning() bool
	NextRunTime() (time.Time, bool)
}

// Server wires HTTP handlers for operating the reminder pipeline.
type Server struct {
	queue          QueueOps
	scanner        ScannerOps
	limiter        Limiter
	scannerEnabled bool
	logger         *slog.Logger
}

// New constructs the ops server. limiter may be nil, in which case mutating
// endpoints are not throttled.
func New(q QueueOps, sc ScannerOps, limiter Limiter, scannerEnabled bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		queue:          q,
		scanner:        sc,
		limiter:        limiter,
		scannerEnabled: scannerEnabled,
		logger:         logger.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/queue", func(r chi.Router) {
		r.Get("/stats", s.handleQueueStats)
		r.Get("/history", s.handleQueueHistory)
		r.With(s.throttle("ops:queue-clean")).Post("/clean", s.handleQueueClean)
	})
	r.Route("/scanner", func(r chi.Router) {
		r.Get("/status", s.handleScannerStatus)
		r.With(s.throttle("ops:scanner-run")).Post("/run", s.handleScannerRun)
	})
	return r
}

func (s *Server) throttle(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter != nil {
				allowed, _, err := s.limiter.Allow(r.Context(), key)
				if err != nil {
					s.logger.Error("rate limit check failed", "key", key, "error", err)
					http.Error(w, "rate limit error", http.StatusInternalServerError)
					return
				}
				if !allowed {
					telemetry.RateLimitRejects.Inc()
					http.Error(w, "rate limited", http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("queue stats", "error", err)
		http.Error(w, "failed to read queue stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleQueueHistory lists retained finished jobs; ?status=failed selects the
// failed set.
func (s *Server) handleQueueHistory(w http.ResponseWriter, r *http.Request) {
	failed := r.URL.Query().Get("status") == "failed"
	jobs, err := s.queue.History(r.Context(), failed, 100)
	if err != nil {
		s.logger.Error("queue history", "error", err)
		http.Error(w, "failed to read queue history", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleQueueClean(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Clean(r.Context())
	if err != nil {
		s.logger.Error("queue clean", "error", err)
		http.Error(w, "failed to clean queue", http.StatusInternalServerError)
		return
	}
	s.logger.Info("queue history cleaned", "completed", res.Completed, "failed", res.Failed)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScannerRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.scanner.TriggerManualScan(r.Context())
	if err != nil {
		http.Error(w, "scan failed", http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	if res.AlreadyRunning {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

type scannerStatus struct {
	Enabled   bool       `json:"enabled"`
	Scanning  bool       `json:"scanning"`
	NextRunAt *time.Time `json:"next_run_at"`
}

func (s *Server) handleScannerStatus(w http.ResponseWriter, _ *http.Request) {
	status := scannerStatus{
		Enabled:  s.scannerEnabled,
		Scanning: s.scanner.IsScanning(),
	}
	if next, ok := s.scanner.NextRunTime(); ok {
		status.NextRunAt = &next
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
