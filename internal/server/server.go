// File: internal/server/server.go
// Package server is the read-only ops surface: health, Prometheus metrics,
// the orchestrator's live status and its recent run history.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/orchestrator"
	"github.com/sylvester1001/zat/internal/perception"
)

const requestTimeout = 10 * time.Second

// StatusSource is the orchestrator's read API.
type StatusSource interface {
	State() orchestrator.RunState
	Running() bool
	Current() (orchestrator.RunRecord, bool)
	History() []orchestrator.RunRecord
}

// CaptureStatus is the capture section of /status.
type CaptureStatus struct {
	Frames   uint64  `json:"frames"`
	Errors   uint64  `json:"errors"`
	Restarts uint64  `json:"restarts"`
	FPS      float64 `json:"fps"`
}

// Status is the /status response body.
type Status struct {
	State   orchestrator.RunState   `json:"state"`
	Running bool                    `json:"running"`
	Current *orchestrator.RunRecord `json:"current,omitempty"`
	Capture *CaptureStatus          `json:"capture,omitempty"`
}

// Options wires optional collaborators into the handler.
type Options struct {
	Gatherer prometheus.Gatherer
	Capture  func() perception.Stats
}

type handler struct {
	src     StatusSource
	capture func() perception.Stats
	log     *zap.Logger
}

// NewHandler builds the router.
func NewHandler(src StatusSource, opts Options, logger *zap.Logger) http.Handler {
	h := &handler{src: src, capture: opts.Capture, log: logger.Named("server")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", h.health)
	r.Get("/status", h.status)
	r.Get("/history", h.history)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st := Status{State: h.src.State(), Running: h.src.Running()}
	if cur, ok := h.src.Current(); ok {
		st.Current = &cur
	}
	if h.capture != nil {
		s := h.capture()
		st.Capture = &CaptureStatus{Frames: s.Frames, Errors: s.Errors, Restarts: s.Restarts, FPS: s.FPS}
	}
	h.writeJSON(w, r, http.StatusOK, st)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	records := h.src.History()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		if limit < len(records) {
			records = records[:limit]
		}
	}
	if records == nil {
		records = []orchestrator.RunRecord{}
	}
	h.writeJSON(w, r, http.StatusOK, records)
}

func (h *handler) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("Failed to encode response",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// Server runs the ops handler until its context is cancelled.
type Server struct {
	cfg  config.ServerConfig
	http *http.Server
	log  *zap.Logger
}

// New creates a server for handler.
func New(cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: logger.Named("server"),
	}
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Ops server listening", zap.String("addr", s.cfg.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("Ops server shutdown incomplete", zap.Error(err))
		return err
	}
	<-errCh
	s.log.Info("Ops server stopped")
	return nil
}
