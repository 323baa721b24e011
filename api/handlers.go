package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/devrayat000/video-ingest/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (s *Server) initiateUpload(c *gin.Context) {
	var req models.InitiateUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	resp, err := s.uploads.InitiateUpload(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) chunkTarget(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	index, ok := parseIndex(c)
	if !ok {
		return
	}
	target, err := s.uploads.ChunkUploadTarget(c.Request.Context(), id, index)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, target)
}

func (s *Server) putChunk(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	index, ok := parseIndex(c)
	if !ok {
		return
	}
	if err := s.uploads.PutChunk(c.Request.Context(), id, index, c.Request.Body, c.Request.ContentLength); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) finalizeUpload(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req models.FinalizeUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	resp, err := s.uploads.FinalizeUpload(c.Request.Context(), id, req.TotalChunks)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) listVideos(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	videos, err := s.videos.ListVideos(c.Request.Context(), limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"videos": videos, "limit": limit, "offset": offset})
}

func (s *Server) getVideo(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	video, err := s.videos.GetVideo(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, video)
}

func (s *Server) getProgress(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	progress, err := s.progress.GetProgress(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if progress == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, models.ErrorResponse{Error: "no progress recorded"})
		return
	}
	c.JSON(http.StatusOK, progress)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS configuration.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// streamProgress sends the latest snapshot, then every update until the
// client goes away or the video reaches a terminal state.
func (s *Server) streamProgress(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	updates, err := s.progress.SubscribeToProgress(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	var latest *models.ProcessingProgress
	if p, err := s.progress.GetProgress(ctx, id); err == nil {
		latest = p
	}
	s.stream(c, updates, latest, true, s.log.WithField("video_id", id))
}

// streamAllProgress relays updates of every video until the client goes away.
func (s *Server) streamAllProgress(c *gin.Context) {
	updates, err := s.progress.SubscribeToAllProgress(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.stream(c, updates, nil, false, s.log.WithField("stream", "all"))
}

// stream upgrades the request and writes updates as JSON frames. With
// stopOnTerminal the socket is closed after a completed or failed snapshot.
func (s *Server) stream(c *gin.Context, updates <-chan models.ProcessingProgress, latest *models.ProcessingProgress, stopOnTerminal bool, log logrus.FieldLogger) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()
	ctx := c.Request.Context()

	// The read pump only exists to notice the client closing.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(p models.ProcessingProgress) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(p); err != nil {
			log.WithError(err).Debug("websocket write failed")
			return false
		}
		return !stopOnTerminal || !terminal(p.Status)
	}

	if latest != nil && !send(*latest) {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case p, ok := <-updates:
			if !ok || !send(p) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func terminal(status models.VideoStatus) bool {
	return status == models.StatusCompleted || status == models.StatusFailed
}
