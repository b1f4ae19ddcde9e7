// Package monitor is the node's HTTP monitoring/control surface: job
// listing, abort, and health/metrics endpoints, consumed by scanctl and
// by Prometheus scraping.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/cuemby/gridscan/pkg/log"
	"github.com/cuemby/gridscan/pkg/metrics"
	"github.com/cuemby/gridscan/pkg/scan"
)

const shutdownTimeout = 10 * time.Second

// Server is the monitoring HTTP API bound to one ScanManager.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	manager    *scan.ScanManager
	startedAt  time.Time
}

// New builds a monitoring server listening on addr.
func New(addr string, manager *scan.ScanManager) *Server {
	router := mux.NewRouter()
	s := &Server{
		router:    router,
		manager:   manager,
		startedAt: time.Now(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handlers.CombinedLoggingHandler(os.Stdout, router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/").Subrouter()

	api.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	api.HandleFunc("/metrics", metrics.Handler().ServeHTTP).Methods(http.MethodGet)

	api.HandleFunc("/jobs", s.listJobsHandler).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{trid}", s.getJobHandler).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{trid}/abort", s.abortJobHandler).Methods(http.MethodPost)
	api.HandleFunc("/jobs/abort-all", s.abortAllHandler).Methods(http.MethodPost)
}

// Start runs the server until ctx is canceled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("address", s.httpServer.Addr).Msg("monitor server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("monitor: serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return err
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("monitor: shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.GetInfo())
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	trid, err := tridFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	stat, ok := s.manager.GetJobInfo(trid)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such job"})
		return
	}
	writeJSON(w, http.StatusOK, stat)
}

func (s *Server) abortJobHandler(w http.ResponseWriter, r *http.Request) {
	trid, err := tridFromPath(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.manager.AbandonJob(trid); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborting"})
}

func (s *Server) abortAllHandler(w http.ResponseWriter, r *http.Request) {
	n := s.manager.AbortAll()
	writeJSON(w, http.StatusOK, map[string]any{"status": "aborting-all", "count": n})
}

func tridFromPath(r *http.Request) (uint64, error) {
	raw := mux.Vars(r)["trid"]
	trid, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid trid %q", raw)
	}
	return trid, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
