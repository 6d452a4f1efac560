// Package api is the admin HTTP surface: health, catalog snapshots,
// tool invocation, discovery refresh and catalog search, plus the
// Prometheus scrape endpoint. The MCP WebSocket endpoint shares this
// listener.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/capability-server/internal/discovery"
	"github.com/developer-mesh/capability-server/internal/dispatcher"
	"github.com/developer-mesh/capability-server/internal/registry"
	"github.com/developer-mesh/capability-server/internal/selector"
	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

const healthCheckTimeout = 3 * time.Second

// Check probes one dependency for /health.
type Check struct {
	Name string
	// Critical checks take the whole server to unhealthy; the rest only
	// degrade it.
	Critical bool
	Probe    func(ctx context.Context) error
}

// Server is the admin HTTP surface.
type Server struct {
	engine     *gin.Engine
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	selector   *selector.Selector
	discovery  *discovery.Engine

	checks  []Check
	limiter *rate.Limiter

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewServer wires the admin routes. The mcp handler, when non-nil, is
// mounted at /mcp so one listener carries both surfaces.
func NewServer(reg *registry.Registry, disp *dispatcher.Dispatcher, sel *selector.Selector,
	disc *discovery.Engine, mcp http.Handler,
	logger observability.Logger, metrics observability.MetricsClient) *Server {

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:     engine,
		registry:   reg,
		dispatcher: disp,
		selector:   sel,
		discovery:  disc,
		// 50 rps with burst 100 protects the catalog from portal polling
		// storms; MCP traffic is not subject to it.
		limiter: rate.NewLimiter(rate.Limit(50), 100),
		logger:  logger.WithPrefix("api"),
		metrics: metrics,
	}

	engine.Use(s.requestLogger())

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(metricsHandler(metrics)))
	if mcp != nil {
		engine.GET("/mcp", gin.WrapH(mcp))
	}

	admin := engine.Group("/admin", s.rateLimit(), s.requirePrivileged())
	admin.GET("/tools", s.handleList(models.KindTool))
	admin.GET("/prompts", s.handleList(models.KindPrompt))
	admin.GET("/resources", s.handleList(models.KindResource))
	admin.POST("/call-tool", s.handleCallTool)
	admin.POST("/refresh", s.handleRefresh)
	admin.POST("/search", s.handleSearch)

	return s
}

// metricsHandler scrapes the registry the metrics client records into.
// Clients without their own registry fall back to the process default.
func metricsHandler(metrics observability.MetricsClient) http.Handler {
	if g, ok := metrics.(interface{ Registry() *prometheus.Registry }); ok {
		return promhttp.HandlerFor(g.Registry(), promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Handler exposes the underlying router for the HTTP server.
func (s *Server) Handler() http.Handler { return s.engine }

// AddCheck registers a /health probe. Not safe after serving starts.
func (s *Server) AddCheck(check Check) { s.checks = append(s.checks, check) }

// Probe runs the critical health checks only. It is the signal the
// directory agent folds into its heartbeat: non-critical checks degrade
// /health but do not take the instance out of rotation.
func (s *Server) Probe(ctx context.Context) error {
	for _, check := range s.checks {
		if !check.Critical {
			continue
		}
		if err := check.Probe(ctx); err != nil {
			return fmt.Errorf("%s: %w", check.Name, err)
		}
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.metrics.RecordOperation("api", c.FullPath(), c.Writer.Status() < 500, time.Since(start))
		s.logger.Debug("Request handled", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			s.metrics.IncrementCounter("api_rate_limited_total", 1, nil)
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"kind":  string(models.ErrOverloaded),
			})
			return
		}
		c.Next()
	}
}

// requirePrivileged gates the admin group on the privileged claim. A
// request with no claims at all gets 401, one with claims but without
// the privilege gets 403.
func (s *Server) requirePrivileged() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := models.ParseClaimsHeader(c.GetHeader("X-Claims"))
		if claims.Has(models.ClaimPrivileged) {
			c.Set("claims", claims)
			c.Next()
			return
		}
		status := http.StatusForbidden
		if claims.SubjectID == "" && len(claims.Values) == 0 {
			status = http.StatusUnauthorized
		}
		s.logger.Warn("Admin request rejected", map[string]interface{}{
			"path":    c.Request.URL.Path,
			"subject": claims.SubjectID,
		})
		c.AbortWithStatusJSON(status, gin.H{
			"error": "admin surface requires the privileged claim",
			"kind":  string(models.ErrDenied),
		})
	}
}

func claimsFrom(c *gin.Context) models.Claims {
	if v, ok := c.Get("claims"); ok {
		if claims, ok := v.(models.Claims); ok {
			return claims
		}
	}
	return models.ParseClaimsHeader(c.GetHeader("X-Claims"))
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	httpStatus := http.StatusOK
	details := gin.H{"capabilities": s.registry.Len()}
	for _, check := range s.checks {
		if err := check.Probe(ctx); err != nil {
			details[check.Name] = err.Error()
			if check.Critical {
				status = "unhealthy"
				httpStatus = http.StatusServiceUnavailable
			} else if status == "ok" {
				status = "degraded"
			}
			continue
		}
		details[check.Name] = "ok"
	}
	c.JSON(httpStatus, gin.H{"status": status, "details": details})
}

func (s *Server) handleList(kind models.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		caps := s.registry.List(registry.ListFilter{
			Kind:         kind,
			Category:     c.Query("category"),
			NameContains: c.Query("name"),
		})
		summaries := make([]models.Summary, 0, len(caps))
		for _, cap := range caps {
			summaries = append(summaries, cap.Summarize())
		}
		c.JSON(http.StatusOK, gin.H{string(kind) + "s": summaries, "count": len(summaries)})
	}
}

type callToolRequest struct {
	Name      string                 `json:"name" binding:"required"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) handleCallTool(c *gin.Context) {
	var req callToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "body must carry a tool name",
			"kind":  string(models.ErrInvalidArgument),
		})
		return
	}

	resp, err := s.dispatcher.Invoke(c.Request.Context(), dispatcher.Request{
		RequestID: c.GetHeader("X-Request-ID"),
		Claims:    claimsFrom(c),
		Kind:      models.KindTool,
		Name:      req.Name,
		Arguments: req.Arguments,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result":                 resp.Result,
		"outcome":                string(resp.Invocation.Outcome),
		"output_schema_mismatch": resp.OutputMismatch,
	})
}

func (s *Server) handleRefresh(c *gin.Context) {
	report := s.discovery.Refresh(c.Request.Context())
	c.JSON(http.StatusOK, report)
}

type searchRequest struct {
	Query   string          `json:"query" binding:"required"`
	K       int             `json:"k"`
	Filters selector.Filter `json:"filters"`
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "body must carry a query",
			"kind":  string(models.ErrInvalidArgument),
		})
		return
	}

	if req.K <= 0 {
		req.K = selector.DefaultK
	}
	results, err := s.selector.Select(c.Request.Context(), req.Query, req.Filters, req.K)
	if err != nil {
		s.writeError(c, err)
		return
	}

	out := make([]gin.H, 0, len(results))
	for _, r := range results {
		out = append(out, gin.H{
			"name":        r.Capability.Name,
			"kind":        string(r.Capability.Kind),
			"description": r.Capability.Description,
			"score":       r.Score,
			"stage":       r.Stage,
		})
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

// writeError translates the error taxonomy to HTTP. Internal errors are
// masked; everything else passes its message through.
func (s *Server) writeError(c *gin.Context, err error) {
	kind := models.KindOf(err)
	message := err.Error()

	var status int
	switch kind {
	case models.ErrInvalidArgument, models.ErrNotFound:
		status = http.StatusBadRequest
	case models.ErrDenied:
		status = http.StatusForbidden
	case models.ErrConflict:
		status = http.StatusConflict
	case models.ErrOverloaded, models.ErrBudgetExhausted:
		status = http.StatusTooManyRequests
	case models.ErrTimedOut:
		status = http.StatusGatewayTimeout
	case models.ErrCancelled:
		status = 499
	case models.ErrUpstreamUnavailable:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		message = "internal error"
	}

	if after := models.RetryAfterOf(err); after > 0 {
		c.Header("Retry-After", strconv.Itoa(int(after.Seconds())))
	}
	c.JSON(status, gin.H{"error": message, "kind": string(kind)})
}
