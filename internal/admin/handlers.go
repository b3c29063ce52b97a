package admin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/validation"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/indexing/health"
	"github.com/vietddude/trenches/internal/payout"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, badRequest("invalid limit %q", raw)
	}
	return min(n, maxLimit), nil
}

func paramID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid id %q", c.Param("id"))
	}
	return id, nil
}

func paramChain(c *gin.Context) (domain.ChainID, error) {
	return domain.ParseChainID(c.Param("chain"))
}

// GET /health
func (s *Server) getHealth(c *gin.Context) {
	report := s.deps.Monitor.CheckHealth(c.Request.Context())
	code := http.StatusOK
	if report.SystemStatus == health.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, Response{Code: code, Message: string(report.SystemStatus), Data: report})
}

// GET /health/reorg
func (s *Server) getReorgHealth(c *gin.Context) {
	report := s.deps.Tracker.Health()
	code := http.StatusOK
	if report.Status != health.CheckerHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, Response{Code: code, Message: string(report.Status), Data: report})
}

func (s *Server) listDeposits(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		fail(c, err)
		return
	}
	f := domain.DepositFilter{Limit: limit}
	if raw := c.Query("chain"); raw != "" {
		if f.Chain, err = domain.ParseChainID(raw); err != nil {
			fail(c, err)
			return
		}
	}
	if raw := c.Query("status"); raw != "" {
		f.Status = domain.DepositStatus(strings.ToUpper(raw))
		if !f.Status.Valid() {
			fail(c, badRequest("unknown deposit status %q", raw))
			return
		}
	}
	if raw := c.Query("user_id"); raw != "" {
		if f.UserID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			fail(c, badRequest("invalid user_id %q", raw))
			return
		}
	}

	deposits, err := s.deps.Store.Deposits().List(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, deposits)
}

func (s *Server) depositStats(c *gin.Context) {
	stats, err := s.deps.Store.Deposits().CountByStatus(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, stats)
}

func (s *Server) listIncidents(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		fail(c, err)
		return
	}
	status := domain.IncidentStatus(strings.ToUpper(c.Query("status")))
	incidents, err := s.deps.Incidents.List(c.Request.Context(), status, limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, incidents)
}

type resolveBody struct {
	Resolution string `json:"resolution"`
	ResolvedBy string `json:"resolved_by"`
}

func (b resolveBody) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Resolution, validation.Required,
			validation.In(string(domain.ResolutionCredited), string(domain.ResolutionReversed), string(domain.ResolutionDismissed))),
		validation.Field(&b.ResolvedBy, validation.Required),
	)
}

// POST /admin/incidents/:id/resolve
func (s *Server) resolveIncident(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		fail(c, err)
		return
	}
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, badRequest("%v", err))
		return
	}
	body.Resolution = strings.ToLower(strings.TrimSpace(body.Resolution))
	if err := body.Validate(); err != nil {
		fail(c, err)
		return
	}
	res, err := domain.ParseResolution(body.Resolution)
	if err != nil {
		fail(c, badRequest("%v", err))
		return
	}

	inc, err := s.deps.Incidents.Resolve(c.Request.Context(), id, res, body.ResolvedBy)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, inc)
}

func (s *Server) listPayouts(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		fail(c, err)
		return
	}
	status := domain.PayoutStatus(strings.ToUpper(c.Query("status")))
	payouts, err := s.deps.Payouts.List(c.Request.Context(), status, limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, payouts)
}

// POST /admin/payouts
func (s *Server) enqueuePayout(c *gin.Context) {
	var req payout.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, badRequest("%v", err))
		return
	}
	po, err := s.deps.Payouts.Enqueue(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Code: http.StatusCreated, Message: http.StatusText(http.StatusCreated), Data: po})
}

func (s *Server) pausePayouts(c *gin.Context) {
	if err := s.deps.Payouts.Pause(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"paused": true})
}

func (s *Server) resumePayouts(c *gin.Context) {
	if err := s.deps.Payouts.Resume(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"paused": false})
}

// POST /admin/payouts/process?limit=N
func (s *Server) processPayouts(c *gin.Context) {
	limit := 0
	if c.Query("limit") != "" {
		var err error
		if limit, err = queryLimit(c); err != nil {
			fail(c, err)
			return
		}
	}
	res, err := s.deps.Payouts.ProcessQueue(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

func (s *Server) requeuePayout(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		fail(c, err)
		return
	}
	po, err := s.deps.Payouts.Requeue(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, po)
}

func (s *Server) refundPayout(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		fail(c, err)
		return
	}
	po, err := s.deps.Payouts.Refund(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, po)
}

func (s *Server) userBalance(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		fail(c, err)
		return
	}
	ctx := c.Request.Context()
	bal, err := s.deps.Store.Balances().Get(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	entries, err := s.deps.Store.Balances().ListEntries(ctx, id, defaultLimit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"user_id": id, "balance_usd": bal, "entries": entries})
}

// POST /admin/chains/:chain/refresh runs one scan and one tracker pass.
func (s *Server) refreshChain(c *gin.Context) {
	id, err := paramChain(c)
	if err != nil {
		fail(c, err)
		return
	}
	ctx := c.Request.Context()
	scan, err := s.deps.Scanner.ScanChain(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	track, err := s.deps.Tracker.Run(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"scan": scan, "track": track})
}

func (s *Server) sweepChain(c *gin.Context) {
	if s.deps.Sweeper == nil {
		fail(c, badRequest("sweeping is disabled"))
		return
	}
	id, err := paramChain(c)
	if err != nil {
		fail(c, err)
		return
	}
	res, err := s.deps.Sweeper.Sweep(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

// POST /users/:id/scan
func (s *Server) scanUser(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		fail(c, err)
		return
	}
	res, err := s.deps.Scanner.ScanUser(c.Request.Context(), id)
	if err != nil {
		var rl *domain.RateLimitError
		if !errors.As(err, &rl) {
			s.log.Warn("User scan failed", "user_id", id, "error", err)
		}
		fail(c, err)
		return
	}
	ok(c, res)
}
