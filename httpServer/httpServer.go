package httpServer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"liverelay/config"
	"liverelay/internal/logger"
	"liverelay/internal/metrics"
	"liverelay/internal/storage"
	"liverelay/internal/streammanager"
	"liverelay/pkg/models"
)

// Server wraps the HTTP server with dependencies
type Server struct {
	cfg           config.HTTPConfig
	router        *gin.Engine
	streamManager *streammanager.Manager
	recordings    storage.Storage
	metrics       *metrics.Metrics
	queueSize     int
	log           zerolog.Logger
	srv           *http.Server
}

// New creates a new HTTP server. recordings may be nil when recording is
// disabled. queueSize bounds the per-viewer HTTP-FLV queue.
func New(cfg config.HTTPConfig, streamManager *streammanager.Manager, recordings storage.Storage, m *metrics.Metrics, queueSize int, log zerolog.Logger) *Server {
	s := &Server{
		cfg:           cfg,
		streamManager: streamManager,
		recordings:    recordings,
		metrics:       m,
		queueSize:     queueSize,
		log:           log.With().Str(logger.FieldService, "http").Logger(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), logger.GinMiddleware(s.log), metrics.GinMiddleware(s.metrics))

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/streams", s.handleListStreams)
		api.GET("/v1/streams", s.handleListStreams)
		api.GET("/v1/streams/:app/:stream", s.handleGetStream)
		api.GET("/v1/recordings", s.handleListRecordings)
		api.GET("/v1/recordings/:file", s.handleGetRecording)
		api.DELETE("/v1/recordings/:file", s.handleDeleteRecording)
	}

	if s.cfg.EnableFLV {
		router.GET("/live/:app/:stream", s.handleFLV)
		router.GET("/api/stream/flv/:app/:stream", s.handleFLV)
	}

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.router = router
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on the configured address until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("graceful shutdown failed, closing")
			return s.srv.Close()
		}
		return nil
	}
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
		"streams": s.streamManager.GetStreamCount(),
	})
}

func (s *Server) handleListStreams(c *gin.Context) {
	names := s.streamManager.Names()

	items := make([]models.StreamListItem, len(names))
	for i, name := range names {
		items[i] = models.StreamListItem{Application: name.App, Stream: name.Name}
	}

	c.JSON(http.StatusOK, items)
}

func (s *Server) handleGetStream(c *gin.Context) {
	name := models.StreamName{App: c.Param("app"), Name: c.Param("stream")}

	stream, exists := s.streamManager.GetStream(name)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}

	c.JSON(http.StatusOK, stream.Info())
}

func (s *Server) handleFLV(c *gin.Context) {
	name := models.StreamName{
		App:  c.Param("app"),
		Name: strings.TrimSuffix(c.Param("stream"), ".flv"),
	}

	stream, exists := s.streamManager.GetStream(name)
	if !exists {
		c.Data(http.StatusNotFound, "text/plain", []byte("stream ["+c.Request.RequestURI+"] not exist"))
		return
	}

	log := logger.Ctx(c.Request.Context()).With().Str(logger.FieldApp, name.App).Str(logger.FieldStream, name.Name).Logger()

	viewer := newFLVViewer(s.queueSize)
	if err := stream.AddFLVSubscriber(viewer); err != nil {
		viewer.Close()
		if errors.Is(err, streammanager.ErrStreamClosed) {
			c.Data(http.StatusNotFound, "text/plain", []byte("stream ["+c.Request.RequestURI+"] not exist"))
			return
		}
		log.Warn().Err(err).Msg("failed to join stream")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to join stream"})
		return
	}
	defer viewer.Close()

	c.Header("Content-Type", "video/x-flv")
	c.Header("Cache-Control", "no-cache")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	log.Info().Msg("flv viewer joined")
	n, err := viewer.serve(c.Request.Context(), c.Writer)
	log.Info().Err(err).Int64("bytes", n).Msg("flv viewer left")
}

func (s *Server) handleListRecordings(c *gin.Context) {
	if s.recordings == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording is disabled"})
		return
	}

	files, err := s.recordings.List("")
	if err != nil {
		log := logger.Ctx(c.Request.Context())
		log.Error().Err(err).Msg("failed to list recordings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list recordings"})
		return
	}

	c.JSON(http.StatusOK, models.RecordingListResponse{
		Recordings: files,
		Total:      len(files),
	})
}

func (s *Server) handleGetRecording(c *gin.Context) {
	if s.recordings == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording is disabled"})
		return
	}

	file := c.Param("file")
	rs, err := s.recordings.ReadSeeker(file)
	switch {
	case errors.Is(err, storage.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recording name"})
		return
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "recording not found"})
		return
	case err != nil:
		log := logger.Ctx(c.Request.Context())
		log.Error().Err(err).Str("file", file).Msg("failed to open recording")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open recording"})
		return
	}
	if closer, ok := rs.(io.Closer); ok {
		defer closer.Close()
	}

	c.Header("Content-Type", "video/x-flv")
	http.ServeContent(c.Writer, c.Request, file, time.Time{}, rs)
}

func (s *Server) handleDeleteRecording(c *gin.Context) {
	if s.recordings == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording is disabled"})
		return
	}

	file := c.Param("file")
	log := logger.Ctx(c.Request.Context()).With().Str("file", file).Logger()

	exists, err := s.recordings.Exists(file)
	switch {
	case errors.Is(err, storage.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recording name"})
		return
	case err != nil:
		log.Error().Err(err).Msg("failed to check recording")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check recording"})
		return
	case !exists:
		c.JSON(http.StatusNotFound, gin.H{"error": "recording not found"})
		return
	}

	for _, stream := range s.streamManager.GetAllStreams() {
		if info := stream.Info(); info.State == string(models.StreamStateLive) && info.Recording == file {
			c.JSON(http.StatusConflict, gin.H{"error": "recording is in progress"})
			return
		}
	}

	if err := s.recordings.Delete(file); err != nil {
		log.Error().Err(err).Msg("failed to delete recording")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete recording"})
		return
	}

	log.Info().Msg("recording deleted")
	c.Status(http.StatusNoContent)
}
