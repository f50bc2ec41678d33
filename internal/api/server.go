// Package api serves the cached pool statistics and the long-poll endpoints.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tos-network/pool-backend/internal/config"
	"github.com/tos-network/pool-backend/internal/live"
	"github.com/tos-network/pool-backend/internal/metrics"
	"github.com/tos-network/pool-backend/internal/newrelic"
	"github.com/tos-network/pool-backend/internal/policy"
	"github.com/tos-network/pool-backend/internal/rpc"
	"github.com/tos-network/pool-backend/internal/stats"
	"github.com/tos-network/pool-backend/internal/util"
)

// StatsSource provides the latest published snapshots
type StatsSource interface {
	Stats() *stats.Blob
	Blocks() *stats.Blob
}

// UpstreamMonitor reports daemon upstream health
type UpstreamMonitor interface {
	GetUpstreamStates() []rpc.UpstreamState
	GetActiveUpstream() string
	HasHealthyUpstream() bool
	UpstreamCount() int
}

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the API server
type Server struct {
	cfg     *config.Config
	source  StatsSource
	hub     *live.Hub
	policy  *policy.PolicyServer
	metrics *metrics.Metrics
	apm     *newrelic.Agent

	router   *gin.Engine
	server   *http.Server
	listener net.Listener

	upstreams UpstreamMonitor

	quit     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new API server. m and apm may be nil; a nil policy
// server is replaced by one with default settings.
func NewServer(cfg *config.Config, source StatsSource, hub *live.Hub, policyServer *policy.PolicyServer, m *metrics.Metrics, apm *newrelic.Agent) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if policyServer == nil {
		policyServer = policy.NewPolicyServer(nil)
	}

	s := &Server{
		cfg:     cfg,
		source:  source,
		hub:     hub,
		policy:  policyServer,
		metrics: m,
		apm:     apm,
		router:  router,
		quit:    make(chan struct{}),
	}

	s.setupRoutes()
	return s
}

// SetUpstreamMonitor sets the source reported by /health
func (s *Server) SetUpstreamMonitor(m UpstreamMonitor) {
	s.upstreams = m
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	s.router.Use(s.apm.Middleware())
	s.router.Use(corsMiddleware())
	s.router.Use(s.banMiddleware())

	s.router.GET("/stats", s.handleStats)
	s.router.GET("/blockstats", s.handleBlockStats)
	s.router.GET("/live_stats", s.handleLiveStats)
	s.router.GET("/live_ws", s.handleLiveWS)
	s.router.GET("/stats_address", s.handleAddressStats)
	s.router.GET("/health", s.handleHealth)

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.router.NoRoute(s.handleInvalidCall)
}

// corsMiddleware allows every origin and answers preflight requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "content-type, accept")
			c.Header("Access-Control-Max-Age", "10")
			c.Header("Content-Length", "0")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) banMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.policy.IsBanned(c.ClientIP()) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.API.Bind)
	if err != nil {
		return err
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.Infof("API server listening on %s", ln.Addr())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop resolves every waiting long-poll and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.quit) })
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// writeBlob serves a compressed snapshot
func (s *Server) writeBlob(c *gin.Context, blob *stats.Blob) {
	c.Header("Cache-Control", "no-cache")
	c.Header("ETag", blob.ETag)

	if match := c.GetHeader("If-None-Match"); match != "" && match == blob.ETag {
		c.Status(http.StatusNotModified)
		return
	}

	c.Header("Content-Encoding", "deflate")
	c.Header("Content-Length", strconv.Itoa(len(blob.Compressed)))
	c.Data(http.StatusOK, "application/json", blob.Compressed)
}

// handleStats returns the pool snapshot
func (s *Server) handleStats(c *gin.Context) {
	s.writeBlob(c, s.source.Stats())
}

// handleBlockStats returns the block history snapshot
func (s *Server) handleBlockStats(c *gin.Context) {
	s.writeBlob(c, s.source.Blocks())
}

// handleHealth reports daemon upstream state and abuse policy counters
func (s *Server) handleHealth(c *gin.Context) {
	tracked, banned := s.policy.GetStats()
	policyStats := gin.H{"tracked": tracked, "banned": banned}

	if s.upstreams == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "policy": policyStats})
		return
	}

	upstreams := s.upstreams.GetUpstreamStates()
	healthy := 0
	for _, u := range upstreams {
		if u.Healthy {
			healthy++
		}
	}

	status := "ok"
	if !s.upstreams.HasHealthyUpstream() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"active":    s.upstreams.GetActiveUpstream(),
		"upstreams": upstreams,
		"healthy":   healthy,
		"total":     s.upstreams.UpstreamCount(),
		"policy":    policyStats,
	})
}

// handleInvalidCall answers unknown paths and charges the caller
func (s *Server) handleInvalidCall(c *gin.Context) {
	ip := c.ClientIP()
	if s.policy.ApplyInvalidCallScore(ip) {
		util.Debugf("Invalid API call %s from %s, score %d", c.Request.URL.Path, ip, s.policy.GetScore(ip))
	}
	c.String(http.StatusNotFound, "Invalid API call")
}
