// Package server exposes the scheduler's health and metrics endpoints. It
// only ever reads snapshots; nothing here can reach into live scheduler
// state.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"

	"slosched/internal/sched"
)

// ShutdownGrace bounds how long the server may take to drain connections
// before being closed forcibly.
const ShutdownGrace = 5 * time.Second

// StatsSource provides consistent counter snapshots.
type StatsSource interface {
	Snapshot() sched.Snapshot
}

// Server serves /health, /ready and /metrics for periodic polling.
type Server struct {
	addr     string
	log      core.Logger
	router   chi.Router
	stats    StatsSource
	attached atomic.Bool
}

// New creates a server. It reports unhealthy until SetAttached(true).
func New(addr string, stats StatsSource, log core.Logger) *Server {
	if log == nil {
		log = mtlog.New()
	}
	s := &Server{
		addr:   addr,
		log:    log.ForContext("component", "server"),
		router: chi.NewRouter(),
		stats:  stats,
	}
	s.router.Use(middleware.Recoverer)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/ready", s.handleHealth)
	s.router.Get("/readyz", s.handleHealth)
	s.router.Get("/metrics", s.handleMetrics)
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// SetAttached flips the health state reported by /health and /ready.
func (s *Server) SetAttached(v bool) { s.attached.Store(v) }

// Run serves until ctx is cancelled, then shuts down within ShutdownGrace.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Information("http server listening on {Addr}", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warning("http shutdown exceeded grace period, closing: {Error}", err.Error())
		srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Information("http server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !s.attached.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "scheduler not attached")
		return
	}
	fmt.Fprintln(w, "OK")
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()

	attached := 0
	if s.attached.Load() {
		attached = 1
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP slosched_deadline_misses_total Total number of deadline misses\n")
	fmt.Fprintf(w, "# TYPE slosched_deadline_misses_total counter\n")
	fmt.Fprintf(w, "slosched_deadline_misses_total %d\n\n", snap.Misses)
	fmt.Fprintf(w, "# HELP slosched_fast_path_dispatches_total Tasks dispatched directly to an idle CPU\n")
	fmt.Fprintf(w, "# TYPE slosched_fast_path_dispatches_total counter\n")
	fmt.Fprintf(w, "slosched_fast_path_dispatches_total %d\n\n", snap.FastDispatches)
	fmt.Fprintf(w, "# HELP slosched_queued_dispatches_total Tasks dispatched through the EDF queue\n")
	fmt.Fprintf(w, "# TYPE slosched_queued_dispatches_total counter\n")
	fmt.Fprintf(w, "slosched_queued_dispatches_total %d\n\n", snap.QueuedDispatches)
	fmt.Fprintf(w, "# HELP slosched_dropped_events_total Miss events dropped at the transport\n")
	fmt.Fprintf(w, "# TYPE slosched_dropped_events_total counter\n")
	fmt.Fprintf(w, "slosched_dropped_events_total %d\n\n", snap.DroppedEvents)
	fmt.Fprintf(w, "# HELP slosched_avg_miss_duration_seconds Average deadline miss duration\n")
	fmt.Fprintf(w, "# TYPE slosched_avg_miss_duration_seconds gauge\n")
	fmt.Fprintf(w, "slosched_avg_miss_duration_seconds %.6f\n\n", float64(snap.AvgMissNS)/1e9)
	fmt.Fprintf(w, "# HELP slosched_scheduler_attached Whether the scheduler is attached\n")
	fmt.Fprintf(w, "# TYPE slosched_scheduler_attached gauge\n")
	fmt.Fprintf(w, "slosched_scheduler_attached %d\n", attached)
}
