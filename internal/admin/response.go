package admin

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jellydator/validation"

	"github.com/vietddude/trenches/internal/core/domain"
)

const headerRequestID = "X-Request-ID"

// Response is the envelope of every admin reply.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: http.StatusOK, Message: http.StatusText(http.StatusOK), Data: data})
}

// errBadRequest marks malformed input.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func statusOf(err error) int {
	var (
		rl   *domain.RateLimitError
		verr validation.Errors
	)
	switch {
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIncidentNotOpen),
		errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, domain.ErrPayoutInFlight),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrUnknownChain),
		errors.Is(err, domain.ErrChainNotConfigured),
		errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRPCTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	code := statusOf(err)
	body := Response{Code: code, Message: err.Error()}

	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(secs))
		body.Data = gin.H{"retry_after_seconds": secs}
	}
	if code == http.StatusInternalServerError {
		body.Message = "internal error"
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(code, body)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set("request_id", rid)
		c.Header(headerRequestID, rid)
		c.Next()
	}
}

func (s *Server) recover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("HTTP panic",
					"request_id", c.GetString("request_id"),
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, Response{
					Code:    http.StatusInternalServerError,
					Message: "internal error",
				})
			}
		}()
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		attrs := []any{
			"request_id", c.GetString("request_id"),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if len(c.Errors) > 0 {
			s.log.Error("Request failed", append(attrs, "error", c.Errors.String())...)
			return
		}
		if c.Request.Method != http.MethodGet {
			s.log.Info("Admin request", attrs...)
		}
	}
}
