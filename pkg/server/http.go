package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dasmlab/textbundle/pkg/bundle"
	"github.com/dasmlab/textbundle/pkg/crontoken"
	"github.com/dasmlab/textbundle/pkg/queue"
	"github.com/dasmlab/textbundle/pkg/service"
	"github.com/dasmlab/textbundle/pkg/templates"
)

// Pinger reports database liveness. *sql.DB implements it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// QueueStats reports queue depth. *queue.Queue implements it.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Runner performs one queue tick. *service.JobProcessor implements it.
type Runner interface {
	RunOnce(ctx context.Context) (service.RunStats, error)
}

// Assembler builds bundles. *bundle.Assembler implements it.
type Assembler interface {
	Assemble(ctx context.Context, req bundle.Request) (*bundle.Bundle, error)
}

// Deps are the collaborators behind the HTTP endpoints. Assembler may be nil,
// which disables the bundle endpoint.
type Deps struct {
	DB        Pinger
	Queue     QueueStats
	Runner    Runner
	Tokens    crontoken.Authorizer
	Assembler Assembler
}

// HTTPServer provides the operational HTTP endpoints: health, metrics, queue
// stats, queue progress over SSE, the token-guarded queue run and the bundle
// endpoint.
type HTTPServer struct {
	deps   Deps
	logger *logrus.Logger
	port   int
	srv    *http.Server

	// eventInterval is the SSE poll period.
	eventInterval time.Duration
}

// NewHTTPServer creates a new HTTP server.
func NewHTTPServer(deps Deps, logger *logrus.Logger, port int) *HTTPServer {
	if logger == nil {
		logger = logrus.New()
	}
	s := &HTTPServer{
		deps:          deps,
		logger:        logger,
		port:          port,
		eventInterval: time.Second,
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed endpoints.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/queue/stats", s.handleQueueStats)
	mux.HandleFunc("GET /api/v1/queue/events", s.handleQueueEvents)
	mux.HandleFunc("POST /api/v1/queue/run", s.handleQueueRun)

	mux.HandleFunc("GET /api/v1/bundles/{kind}/{subject}/{lang}", s.handleBundle)

	return mux
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"port": s.port,
	}).Info("Starting HTTP server")

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth reports healthy while the database answers.
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.deps.DB != nil {
		if err := s.deps.DB.PingContext(ctx); err != nil {
			s.logger.WithError(err).Warn("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *HTTPServer) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to read queue stats")
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleQueueRun redeems a single-use token and performs one queue tick.
func (s *HTTPServer) handleQueueRun(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Cron-Token")
	}
	ok, err := s.deps.Tokens.Authorize(r.Context(), token)
	if err != nil {
		s.logger.WithError(err).Error("Failed to authorize cron token")
		writeError(w, http.StatusInternalServerError, "failed to authorize token")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or used token")
		return
	}

	stats, err := s.deps.Runner.RunOnce(r.Context())
	if err != nil {
		// The token is spent; the next cron tick will pick the work up.
		s.logger.WithError(err).Error("Queue run failed")
		writeError(w, http.StatusInternalServerError, "queue run failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleQueueEvents streams queue stats as Server-Sent Events until nothing
// is left to claim or the client disconnects.
func (s *HTTPServer) handleQueueEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.eventInterval)
	defer ticker.Stop()

	var last *queue.Stats
	for {
		stats, err := s.deps.Queue.Stats(r.Context())
		if err != nil {
			if r.Context().Err() == nil {
				s.logger.WithError(err).Error("Failed to read queue stats for SSE")
				s.sendSSEEvent(w, "error", map[string]string{"error": "failed to read queue stats"})
			}
			return
		}
		if last == nil || *last != stats {
			s.sendSSEEvent(w, "stats", stats)
			last = &stats
		}
		if stats.Eligible == 0 && stats.Processing == 0 {
			s.sendSSEEvent(w, "drained", stats)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// sendSSEEvent sends a Server-Sent Event.
func (s *HTTPServer) sendSSEEvent(w http.ResponseWriter, eventType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal SSE event")
		return
	}

	// event: <type>\ndata: <json>\n\n
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", data)

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// handleBundle serves an assembled bundle. A matching If-None-Match yields
// 304 Not Modified.
func (s *HTTPServer) handleBundle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assembler == nil {
		writeError(w, http.StatusNotFound, "bundles are not served by this instance")
		return
	}
	req := bundle.Request{
		Kind:     r.PathValue("kind"),
		Subject:  r.PathValue("subject"),
		Language: r.PathValue("lang"),
		Variant:  r.URL.Query().Get("variant"),
	}

	b, err := s.deps.Assembler.Assemble(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, templates.ErrNotFound):
		writeError(w, http.StatusNotFound, "bundle not found")
		return
	case errors.Is(err, bundle.ErrInvalidRequest), errors.Is(err, bundle.ErrUnknownLanguage),
		errors.Is(err, templates.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.logger.WithError(err).WithFields(logrus.Fields{
			"kind":    req.Kind,
			"subject": req.Subject,
			"lang":    req.Language,
			"variant": req.Variant,
		}).Error("Failed to assemble bundle")
		writeError(w, http.StatusInternalServerError, "failed to assemble bundle")
		return
	}

	w.Header().Set("ETag", b.ETag)
	if !b.Meta.TranslationComplete {
		w.Header().Set("Cache-Control", "no-store")
	}
	if etagMatches(r.Header.Get("If-None-Match"), b.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// etagMatches reports whether an If-None-Match header lists etag. Weak tags
// compare equal to their strong form.
func etagMatches(header, etag string) bool {
	if header == "" || etag == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}
