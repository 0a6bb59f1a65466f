// Package httpapi exposes the pipeline over HTTP: JSON ingress for
// producers and an SSE endpoint for subscribers.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	agentstream "github.com/sentinel-finance/agentstream/pkg/agentstream"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/config"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/event"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/sse"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/stream"
)

// Server serves the ingress and streaming endpoints.
type Server struct {
	pipe   *agentstream.Pipeline
	cfg    config.ServerSettings
	logger *slog.Logger
	engine *gin.Engine
	srv    *http.Server
}

// NewServer builds the HTTP surface over a pipeline.
func NewServer(pipe *agentstream.Pipeline, cfg config.ServerSettings, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Last-Event-ID"}
	engine.Use(cors.New(corsConfig))

	s := &Server{pipe: pipe, cfg: cfg, logger: logger, engine: engine}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group("/api")
	api.POST("/events", s.handleIngest)
	api.POST("/events/batch", s.handleIngestBatch)
	api.GET("/sessions", s.handleSessions)
	api.GET("/sessions/:id", s.handleSession)
	api.GET("/sessions/:id/stream", s.handleStream)
	api.GET("/stats", s.handleStats)
}

// Handler returns the underlying http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.srv = &http.Server{Addr: s.cfg.Addr, Handler: s.engine}
	if s.logger != nil {
		s.logger.Info("http server listening", slog.String("addr", s.cfg.Addr))
	}
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleIngest(c *gin.Context) {
	var raw event.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event: " + err.Error()})
		return
	}

	res, err := s.pipe.Ingest(c.Request.Context(), raw)
	if err != nil {
		c.JSON(rejectionStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id":      res.Event.ID,
		"sequence":      res.Event.Sequence,
		"delivered":     res.Delivered,
		"session_ended": res.SessionEnded,
	})
}

func (s *Server) handleIngestBatch(c *gin.Context) {
	var raws []event.RawEvent
	if err := c.ShouldBindJSON(&raws); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed batch: " + err.Error()})
		return
	}

	results, errs := s.pipe.IngestBatch(c.Request.Context(), raws)

	items := make([]gin.H, len(raws))
	accepted := 0
	for i := range raws {
		if errs[i] != nil {
			items[i] = gin.H{"accepted": false, "error": errs[i].Error()}
			continue
		}
		accepted++
		items[i] = gin.H{
			"accepted":  true,
			"event_id":  results[i].Event.ID,
			"delivered": results[i].Delivered,
		}
	}

	status := http.StatusAccepted
	if accepted == 0 && len(raws) > 0 {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"accepted": accepted, "results": items})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.pipe.ActiveSessions()})
}

func (s *Server) handleSession(c *gin.Context) {
	id := c.Param("id")
	info, ok := s.pipe.Session(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":   info.SessionID,
		"state":        info.State,
		"started_at":   info.StartedAt,
		"last_event":   info.LastEventAt,
		"event_count":  info.EventCount,
		"end_reason":   info.EndReason,
		"tools_active": s.pipe.InFlightTools(id),
	})
}

// handleStream is the SSE endpoint. A reconnecting client passes the
// Last-Event-ID header (or last_event_id query parameter) to resume.
func (s *Server) handleStream(c *gin.Context) {
	sessionID := c.Param("id")

	lastEventID := c.GetHeader("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = c.Query("last_event_id")
	}

	opts := sse.DefaultTransformOptions
	opts.Redact = c.Query("redact") == "true"
	opts.Coalesce = c.Query("coalesce") == "true"
	if floor := c.Query("severity_floor"); floor != "" {
		sev := event.Severity(floor)
		if !sev.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown severity_floor"})
			return
		}
		opts.SeverityFloor = sev
	}

	sub, err := s.pipe.Subscribe(sessionID, lastEventID, opts)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, stream.ErrBadLastEventID) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	defer s.pipe.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		rec, err := sub.Next(ctx)
		if err != nil {
			// Client gone, subscription closed, or session over.
			return
		}
		if _, err := c.Writer.Write(rec.Bytes()); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func (s *Server) handleStats(c *gin.Context) {
	reg := s.pipe.Registry().Stats()
	mgr := s.pipe.Manager().Stats()
	cache := s.pipe.Formatter().CacheStats()

	c.JSON(http.StatusOK, gin.H{
		"events": gin.H{
			"processed": reg.Processed,
			"rejected":  reg.Rejected,
			"failures":  reg.Failures,
		},
		"stream": gin.H{
			"sessions":      mgr.Sessions,
			"subscriptions": mgr.Subscriptions,
			"published":     mgr.Published,
			"dropped":       mgr.Dropped,
		},
		"formatter_cache": gin.H{
			"hits":   cache.Hits,
			"misses": cache.Misses,
			"size":   cache.Size,
		},
	})
}

// rejectionStatus maps a validation error to its HTTP status.
func rejectionStatus(err error) int {
	var ooo *event.OutOfOrderError
	if errors.As(err, &ooo) {
		return http.StatusConflict
	}
	var ended *event.SessionEndedError
	if errors.As(err, &ended) {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}
