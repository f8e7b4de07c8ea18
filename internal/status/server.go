package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/smallsteps/notify/internal/hub"
	"github.com/smallsteps/notify/internal/state"
	"github.com/smallsteps/notify/internal/storage"
	apperrors "github.com/smallsteps/notify/pkg/errors"
	"github.com/smallsteps/notify/pkg/logger"
	"github.com/smallsteps/notify/pkg/response"
)

// Connection reports the hub connection state.
type Connection interface {
	State() hub.ConnectionState
}

// Inbox is the subset of the inbox service the API exposes.
type Inbox interface {
	MarkRead(ctx context.Context, notificationID int64) error
	MarkAllRead(ctx context.Context) error
	Recent(ctx context.Context, limit int) ([]storage.CachedNotification, error)
}

// Config controls the local status listener.
type Config struct {
	Address string
	Metrics bool
}

// Server exposes the agent's read-only status surface plus the mark-as-read
// actions on a local HTTP listener. It is meant for the host application and
// local tooling, not for the public network.
type Server struct {
	cfg    Config
	conn   Connection
	counts *state.Store
	inbox  Inbox
	log    *zap.Logger

	http *http.Server
}

// NewServer wires the status routes. inbox may be nil, in which case the
// notification routes respond 404.
func NewServer(cfg Config, conn Connection, counts *state.Store, inbox Inbox) *Server {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:7071"
	}

	s := &Server{
		cfg:    cfg,
		conn:   conn,
		counts: counts,
		inbox:  inbox,
		log:    logger.WithModule("status"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.register(router)

	s.http = &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.http.Handler
}

func (s *Server) register(router *gin.Engine) {
	router.GET("/healthz", s.handleHealth)

	if s.cfg.Metrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	if s.inbox != nil {
		api.GET("/notifications", s.handleRecent)
		api.POST("/notifications/:id/read", s.handleMarkRead)
		api.POST("/notifications/read-all", s.handleMarkAllRead)
	}
}

// Start begins serving in the background. Listener errors after startup are
// logged; the agent keeps running without its status surface.
func (s *Server) Start() {
	go func() {
		s.log.Info("status listener starting", zap.String("address", s.cfg.Address))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status listener failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the listener, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("status: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statusPayload struct {
	Connection         string               `json:"connection"`
	NotificationUnread int                  `json:"notificationUnread"`
	MessageUnread      int                  `json:"messageUnread"`
	Latest             *statusLatestPayload `json:"latest,omitempty"`
}

type statusLatestPayload struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

func (s *Server) handleStatus(c *gin.Context) {
	snapshot := s.counts.Snapshot()

	payload := statusPayload{
		Connection:         s.conn.State().String(),
		NotificationUnread: snapshot.NotificationUnread,
		MessageUnread:      snapshot.MessageUnread,
	}
	if snapshot.Latest != nil {
		payload.Latest = &statusLatestPayload{
			ID:    snapshot.Latest.ID,
			Type:  snapshot.Latest.NormalizedType(),
			Title: snapshot.Latest.Title,
		}
	}
	response.Success(c, http.StatusOK, payload)
}

func (s *Server) handleRecent(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			response.Error(c, apperrors.NewBadRequest("invalid limit"))
			return
		}
		limit = parsed
	}

	rows, err := s.inbox.Recent(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, rows)
}

func (s *Server) handleMarkRead(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, apperrors.NewBadRequest("invalid notification id"))
		return
	}

	if err := s.inbox.MarkRead(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"id": id})
}

func (s *Server) handleMarkAllRead(c *gin.Context) {
	if err := s.inbox.MarkAllRead(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"marked": "all"})
}
