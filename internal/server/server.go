// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/brioworks/recon-pipeline/internal/config"
	"github.com/brioworks/recon-pipeline/internal/pipeline"
)

// RunTrigger starts a reconciliation run. The HTTP layer is decoupled from
// the pipeline implementation through this interface.
type RunTrigger interface {
	RunPreviousMonth(ctx context.Context, now time.Time, force bool) (*pipeline.RunResult, error)
}

// HTTPServer exposes the run trigger and health endpoints.
type HTTPServer struct {
	server      *http.Server
	config      *config.Config
	runner      RunTrigger
	rateLimiter *rate.Limiter
	logger      *zap.Logger

	shutdownWg sync.WaitGroup

	// runMu serializes runs: a second trigger while one is in flight gets
	// 409 rather than a concurrent run against the same month.
	runMu   sync.Mutex
	running bool
}

// NewHTTPServer creates the server and registers its routes.
func NewHTTPServer(cfg *config.Config, runner RunTrigger, logger *zap.Logger) *HTTPServer {
	limiter := rate.NewLimiter(rate.Limit(cfg.Server.RateLimitPerSecond), cfg.Server.RateLimitPerSecond*2)

	mux := http.NewServeMux()
	srv := &HTTPServer{
		config:      cfg,
		runner:      runner,
		rateLimiter: limiter,
		logger:      logger,
	}

	srv.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	mux.HandleFunc("/api/v1/runs", srv.handleTriggerRun)
	mux.HandleFunc("/health", srv.handleHealthCheck)

	return srv
}

// Start starts the HTTP server.
func (s *HTTPServer) Start() error {
	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		s.logger.Info("HTTP server starting", zap.Int("port", s.config.Server.Port))

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("HTTP server failed to start", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	err := s.server.Shutdown(ctx)
	s.shutdownWg.Wait()
	s.logger.Info("HTTP server stopped.")
	return err
}

type triggerRequest struct {
	Force bool `json:"force"`
}

// handleTriggerRun handles POST requests to /api/v1/runs. It runs the
// previous-month reconciliation synchronously and returns the run summary.
func (s *HTTPServer) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.rateLimiter.Allow() {
		http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
		return
	}

	var req triggerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid JSON payload: %v", err), http.StatusBadRequest)
			return
		}
	}
	defer r.Body.Close()

	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		http.Error(w, "A reconciliation run is already in progress", http.StatusConflict)
		return
	}
	s.running = true
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		s.running = false
		s.runMu.Unlock()
	}()

	result, err := s.runner.RunPreviousMonth(r.Context(), time.Now().UTC(), req.Force)
	if err != nil {
		s.logger.Error("Triggered run failed", zap.Error(err))
		http.Error(w, "Reconciliation run failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.logger.Error("Error encoding run response", zap.Error(err))
	}
}

// handleHealthCheck handles GET requests to /health.
func (s *HTTPServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}
