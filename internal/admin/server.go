// Package admin serves the operator HTTP surface: health, metrics, and
// pass-through reads and actions on the deposit, incident and payout ledgers.
// Handlers hold no business logic.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/trenches/internal/indexing/health"
	"github.com/vietddude/trenches/internal/indexing/reorg"
	"github.com/vietddude/trenches/internal/indexing/scanner"
	"github.com/vietddude/trenches/internal/infra/storage"
	"github.com/vietddude/trenches/internal/payout"
	"github.com/vietddude/trenches/internal/sweep"
)

// Deps are the services the surface exposes.
type Deps struct {
	Store     storage.Store
	Monitor   *health.Monitor
	Tracker   *reorg.Tracker
	Incidents *reorg.Incidents
	Payouts   *payout.Processor
	Scanner   *scanner.Scanner
	Sweeper   *sweep.Sweeper
}

// Server is the admin HTTP server.
type Server struct {
	deps   Deps
	engine *gin.Engine
	log    *slog.Logger

	mu      sync.Mutex
	srv     *http.Server
	stopped bool
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		deps:   deps,
		engine: gin.New(),
		log:    slog.Default().With("component", "admin"),
	}
	s.engine.Use(requestID(), s.recover(), s.accessLog())
	s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	r := s.engine

	r.GET("/health", s.getHealth)
	r.GET("/health/reorg", s.getReorgHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a := r.Group("/admin")
	{
		a.GET("/deposits", s.listDeposits)
		a.GET("/deposits/stats", s.depositStats)

		a.GET("/incidents", s.listIncidents)
		a.POST("/incidents/:id/resolve", s.resolveIncident)

		a.GET("/payouts", s.listPayouts)
		a.POST("/payouts", s.enqueuePayout)
		a.POST("/payouts/pause", s.pausePayouts)
		a.POST("/payouts/resume", s.resumePayouts)
		a.POST("/payouts/process", s.processPayouts)
		a.POST("/payouts/:id/requeue", s.requeuePayout)
		a.POST("/payouts/:id/refund", s.refundPayout)

		a.GET("/users/:id/balance", s.userBalance)

		a.POST("/chains/:chain/refresh", s.refreshChain)
		a.POST("/chains/:chain/sweep", s.sweepChain)
	}

	r.POST("/users/:id/scan", s.scanUser)
}

// Start serves on port until Stop.
func (s *Server) Start(port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.srv = srv
	s.mu.Unlock()

	s.log.Info("Admin server listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.stopped = true
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
