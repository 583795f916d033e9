// Package server exposes the dashboard over HTTP: event ingestion,
// aggregate queries, scan registration and kill control, a websocket
// stream for live viewers, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/auth"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/config"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/duration"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/events"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/hooks"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/registry"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/stream"
)

const claimsKey = "auth_claims"

// Options wires the server to the rest of the process.
type Options struct {
	Config   *config.Config
	Stream   *stream.Stream
	Registry *registry.Registry
	Verifier auth.Verifier

	// Metrics, when set, is served at /metrics.
	Metrics *hooks.PrometheusHook

	Logger *slog.Logger
}

// Server is the HTTP edge of the dashboard.
type Server struct {
	cfg      *config.Config
	stream   *stream.Stream
	registry *registry.Registry
	verifier auth.Verifier

	engine     *gin.Engine
	httpServer *http.Server
	limiter    *rate.Limiter
	log        *slog.Logger
	startTime  time.Time
}

// New builds the server and its routes.
func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Stream == nil || opts.Registry == nil || opts.Verifier == nil {
		return nil, fmt.Errorf("server: config, stream, registry, and verifier are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(opts.Config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = opts.Config.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:       opts.Config,
		stream:    opts.Stream,
		registry:  opts.Registry,
		verifier:  opts.Verifier,
		engine:    engine,
		limiter:   rate.NewLimiter(rate.Limit(opts.Config.RateLimit), opts.Config.RateBurst),
		log:       opts.Logger,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:        opts.Config.Addr(),
		Handler:     engine,
		ReadTimeout: duration.ServerRead,
	}

	s.setupRoutes(opts.Metrics)
	return s, nil
}

func (s *Server) setupRoutes(metrics *hooks.PrometheusHook) {
	s.engine.GET("/health", s.handleHealth)
	if metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	}

	api := s.engine.Group("/api")
	api.Use(s.authMiddleware())

	api.POST("/event", s.rateLimited(), s.handleIngest)
	api.GET("/events", s.handleRecentEvents)
	api.GET("/stats", s.handleStats)
	api.GET("/endpoints", s.handleEndpoints)
	api.GET("/endpoints/detail", s.handleEndpointDetail)

	api.GET("/scans", s.handleListScans)
	api.POST("/scans", s.handleRegisterScan)
	api.POST("/scans/:slot/kill", s.handleRequestKill)
	api.DELETE("/scans/:slot/kill", s.handleClearKill)

	api.GET("/stream", s.handleStream)
}

// authMiddleware resolves the bearer token into claims. Websocket
// clients can't set headers from the browser API, so a token query
// parameter is accepted too.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims, err := s.verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func claimsFrom(c *gin.Context) auth.Claims {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(auth.Claims); ok {
			return claims
		}
	}
	return auth.Claims{}
}

// rateLimited rejects ingestion bursts beyond the configured rate.
// Dropping with 429 is deliberate: a stalled dashboard must not apply
// backpressure into scanner engines.
func (s *Server) rateLimited() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

type ingestRequest struct {
	EventType string         `json:"event_type" binding:"required"`
	Payload   map[string]any `json:"payload"`
	ScanID    string         `json:"scan_id"`
	TenantID  string         `json:"tenant_id"`
}

func (s *Server) handleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := claimsFrom(c).Identity()
	tenantID := req.TenantID
	if id.TenantID != "" {
		// A tenant-scoped token can only emit into its own tenant.
		tenantID = id.TenantID
	}

	evt := s.stream.Emit(events.Type(req.EventType), req.Payload, req.ScanID, tenantID)
	c.JSON(http.StatusAccepted, gin.H{
		"event_id": evt.ID,
		"scan_id":  evt.ScanID,
		"known":    evt.Type.Known(),
	})
}

func (s *Server) handleRecentEvents(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	identity := claimsFrom(c).Identity()

	var evts []events.Event
	if scanID := c.Query("scan_id"); scanID != "" {
		evts = s.stream.RecentEventsForScan(limit, identity, scanID)
	} else {
		evts = s.stream.RecentEvents(limit, identity)
	}
	c.JSON(http.StatusOK, gin.H{"events": evts, "count": len(evts)})
}

func (s *Server) handleStats(c *gin.Context) {
	if scanID := c.Query("scan_id"); scanID != "" {
		snap, ok := s.stream.StatsFor(scanID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown scan"})
			return
		}
		c.JSON(http.StatusOK, snap)
		return
	}
	c.JSON(http.StatusOK, s.stream.Stats())
}

func (s *Server) handleEndpoints(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	eps := s.stream.Endpoints(limit)
	c.JSON(http.StatusOK, gin.H{"endpoints": eps, "count": len(eps)})
}

func (s *Server) handleEndpointDetail(c *gin.Context) {
	rawURL := c.Query("url")
	if rawURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url parameter required"})
		return
	}
	ep, ok := s.stream.Endpoint(rawURL)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown endpoint"})
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (s *Server) handleListScans(c *gin.Context) {
	id := claimsFrom(c).Identity()
	tenantFilter := ""
	if !id.Admin {
		tenantFilter = id.TenantID
	}
	scans := s.registry.Active(tenantFilter)
	c.JSON(http.StatusOK, gin.H{"scans": scans, "count": len(scans)})
}

type registerScanRequest struct {
	ScanID   string `json:"scan_id"`
	SlotID   string `json:"slot_id" binding:"required"`
	TenantID string `json:"tenant_id"`
	Target   string `json:"target"`
}

func (s *Server) handleRegisterScan(c *gin.Context) {
	var req registerScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := claimsFrom(c).Identity()
	tenantID := req.TenantID
	if id.TenantID != "" {
		tenantID = id.TenantID
	}

	scan, err := s.registry.Register(registry.Scan{
		ScanID:   req.ScanID,
		SlotID:   req.SlotID,
		TenantID: tenantID,
		Target:   req.Target,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, scan)
}

type killRequest struct {
	Reason string `json:"reason"`
}

// mayControl reports whether claims may operate on a scan: admins and
// legacy catch-all tokens always, tenant tokens only within their
// tenant.
func mayControl(claims auth.Claims, scan registry.Scan) bool {
	id := claims.Identity()
	if id.Admin || id.TenantID == "" {
		return true
	}
	return scan.TenantID == id.TenantID
}

func (s *Server) handleRequestKill(c *gin.Context) {
	slot := c.Param("slot")
	claims := claimsFrom(c)

	scan, ok := s.registry.BySlot(slot)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no scan in slot"})
		return
	}
	if !mayControl(claims, scan) {
		c.JSON(http.StatusForbidden, gin.H{"error": "scan belongs to another tenant"})
		return
	}

	var req killRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "requested via dashboard"
	}

	scan, err := s.registry.RequestKill(slot, req.Reason, claims.ClientID)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, scan)
}

func (s *Server) handleClearKill(c *gin.Context) {
	slot := c.Param("slot")
	claims := claimsFrom(c)

	scan, ok := s.registry.BySlot(slot)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no scan in slot"})
		return
	}
	if !mayControl(claims, scan) {
		c.JSON(http.StatusForbidden, gin.H{"error": "scan belongs to another tenant"})
		return
	}

	scan, err := s.registry.ClearKill(slot)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, scan)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	v := c.Query(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Start runs the listener until Stop is called.
func (s *Server) Start() error {
	s.log.Info("dashboard listening", "addr", s.cfg.Addr())
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler { return s.engine }
