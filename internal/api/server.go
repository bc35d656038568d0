package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proxy-watch/internal/config"
	"github.com/proxy-watch/internal/metrics"
	"github.com/proxy-watch/internal/snapshot"
	"github.com/proxy-watch/internal/storage"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Server exposes the persisted snapshot read-only. It never writes to the store.
type Server struct {
	config      *config.Config
	store       storage.Storage
	metrics     *metrics.Collector
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	burst := requestsPerMinute / 10 // Allow bursts
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

func NewServer(cfg *config.Config, store storage.Storage, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		store:       store,
		metrics:     metricsCollector,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	return s
}

// Handler returns the router, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	// Public endpoints
	s.router.GET("/health", s.handleHealth)

	// Metrics endpoint (usually scraped by Prometheus)
	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	// Protected endpoints
	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/snapshot", s.handleSnapshot)
	protected.GET("/snapshot/:category", s.handleCategory)
	protected.GET("/stat", s.handleStat)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   statusCode,
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		c.Next()

		// Route template keeps label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		// Check header first
		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			// Check query parameter
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.rateLimiter.GetLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) load(c *gin.Context) (*snapshot.Snapshot, bool) {
	snap, err := s.store.Load()
	if err != nil {
		log.Errorf("Failed to load snapshot: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Snapshot unavailable",
		})
		return nil, false
	}
	return snap, true
}

func (s *Server) handleSnapshot(c *gin.Context) {
	snap, ok := s.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleCategory lists one category. partition is "new", "old" or "all"
// (default); format=json or an Accept header selects JSON over plain text.
func (s *Server) handleCategory(c *gin.Context) {
	snap, ok := s.load(c)
	if !ok {
		return
	}

	category := strings.ToUpper(c.Param("category"))
	partition := c.DefaultQuery("partition", "all")

	var entries []snapshot.Entry
	switch partition {
	case "new":
		entries = snap.Recent[category]
	case "old":
		entries = snap.Stable[category]
	case "all":
		entries = append(entries, snap.Recent[category]...)
		for _, e := range snap.Stable[category] {
			if !containsEntry(entries, e) {
				entries = append(entries, e)
			}
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid partition parameter",
		})
		return
	}

	if len(snap.Recent[category]) == 0 && len(snap.Stable[category]) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("No entries for category %s", category),
		})
		return
	}

	format := c.Query("format")
	wantsJSON := format == "json" || strings.Contains(c.GetHeader("Accept"), "application/json")

	if wantsJSON {
		c.JSON(http.StatusOK, gin.H{
			"category":  category,
			"partition": partition,
			"total":     len(entries),
			"entries":   entries,
		})
		return
	}

	// Plain text format (one per line)
	var result strings.Builder
	for _, e := range entries {
		if e.Protocol != "" {
			result.WriteString(e.Protocol)
			result.WriteString("://")
		}
		result.WriteString(e.IPPort)
		result.WriteString("\n")
	}
	c.String(http.StatusOK, result.String())
}

func containsEntry(entries []snapshot.Entry, e snapshot.Entry) bool {
	for _, candidate := range entries {
		if candidate.Matches(e) {
			return true
		}
	}
	return false
}

func (s *Server) handleStat(c *gin.Context) {
	snap, ok := s.load(c)
	if !ok {
		return
	}

	successRate := 0.0
	if snap.Stats.Tested > 0 {
		successRate = float64(snap.Stats.Succeeded) / float64(snap.Stats.Tested) * 100.0
	}

	response := gin.H{
		"version":      snap.Version,
		"tested":       snap.Stats.Tested,
		"succeeded":    snap.Stats.Succeeded,
		"failed":       snap.Stats.Failed,
		"success_rate": fmt.Sprintf("%.2f%%", successRate),
		"duration":     snap.Stats.DurationSeconds,
		"categories":   snap.Categories(),
		"new":          snapshot.Counts(snap.Recent),
		"old":          snapshot.Counts(snap.Stable),
	}
	if !snap.Updated.IsZero() {
		response["updated"] = snap.Updated.Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, response)
}
