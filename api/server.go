// Package api is the HTTP surface of the upload service and the read side
// of processed videos.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/devrayat000/video-ingest/config"
	"github.com/devrayat000/video-ingest/db"
	"github.com/devrayat000/video-ingest/ingest"
	"github.com/devrayat000/video-ingest/models"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Uploads interface {
	InitiateUpload(ctx context.Context, req models.InitiateUploadRequest) (*models.InitiateUploadResponse, error)
	ChunkUploadTarget(ctx context.Context, uploadID uuid.UUID, index int) (*models.ChunkTargetResponse, error)
	PutChunk(ctx context.Context, uploadID uuid.UUID, index int, r io.Reader, size int64) error
	FinalizeUpload(ctx context.Context, uploadID uuid.UUID, totalChunks int) (*models.FinalizeUploadResponse, error)
}

type Videos interface {
	GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error)
	ListVideos(ctx context.Context, limit, offset int) ([]models.Video, error)
}

type Progress interface {
	GetProgress(ctx context.Context, videoID uuid.UUID) (*models.ProcessingProgress, error)
	SubscribeToProgress(ctx context.Context, videoID uuid.UUID) (<-chan models.ProcessingProgress, error)
	SubscribeToAllProgress(ctx context.Context) (<-chan models.ProcessingProgress, error)
}

type Server struct {
	uploads  Uploads
	videos   Videos
	progress Progress
	cfg      config.APIConfig
	log      logrus.FieldLogger
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	gatherer prometheus.Gatherer
}

// New builds the server. reg receives the HTTP metrics and is served on /metrics.
func New(uploads Uploads, videos Videos, progress Progress, cfg config.APIConfig, reg *prometheus.Registry, log logrus.FieldLogger) *Server {
	factory := promauto.With(reg)
	return &Server{
		uploads:  uploads,
		videos:   videos,
		progress: progress,
		cfg:      cfg,
		log:      log.WithField("component", "api"),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "video_ingest",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "video_ingest",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gatherer: reg,
	}
}

func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.observe())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Content-Length", "Accept"}
	if len(s.cfg.CORSOrigins) == 0 || (len(s.cfg.CORSOrigins) == 1 && s.cfg.CORSOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.CORSOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	uploads := r.Group("/api/uploads")
	uploads.POST("", s.initiateUpload)
	uploads.GET("/:id/chunks/:index/target", s.chunkTarget)
	uploads.PUT("/:id/chunks/:index", s.putChunk)
	uploads.POST("/:id/finalize", s.finalizeUpload)

	videos := r.Group("/api/videos")
	videos.GET("", s.listVideos)
	videos.GET("/:id", s.getVideo)
	videos.GET("/:id/progress", s.getProgress)
	videos.GET("/:id/progress/ws", s.streamProgress)

	r.GET("/api/progress/ws", s.streamAllProgress)
	return r
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		s.latency.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrSizeExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ingest.ErrUploadNotFound), errors.Is(err, db.ErrVideoNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrUploadClosed),
		errors.Is(err, ingest.ErrIncompleteUpload),
		errors.Is(err, ingest.ErrChunkCountMismatch):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.WithError(err).WithField("route", c.FullPath()).Error("request failed")
		msg = http.StatusText(code)
	}
	c.AbortWithStatusJSON(code, models.ErrorResponse{Error: msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{Error: msg})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func parseIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		badRequest(c, "invalid chunk index")
		return 0, false
	}
	return index, true
}
