// Package api exposes the project-scoped HTTP surface: bot CRUD and
// lifecycle requests, transcripts, recordings, webhook subscriptions,
// and credentials. Authentication is a project API token; every handler
// operates inside the authenticated project.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/notewell/attend/pkg/config"
	"github.com/notewell/attend/pkg/lifecycle"
	"github.com/notewell/attend/pkg/models"
	"github.com/notewell/attend/pkg/services"
	"github.com/notewell/attend/pkg/storage"
)

const projectKey = "project"

// signedURLTTL bounds how long recording download links stay valid.
const signedURLTTL = time.Hour

// Deps bundles the services the API fronts.
type Deps struct {
	Projects      *services.ProjectService
	Bots          *services.BotService
	Recordings    *services.RecordingService
	Participants  *services.ParticipantService
	Utterances    *services.UtteranceService
	Chats         *services.ChatService
	Subscriptions *services.SubscriptionService
	Credentials   *services.CredentialService
	Store         storage.BlobStore
}

// Server is the HTTP server.
type Server struct {
	cfg    config.APIConfig
	deps   Deps
	router *gin.Engine
}

// NewServer builds the router.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	if deps.Projects == nil {
		panic("api.NewServer: projects service must not be nil")
	}
	if deps.Bots == nil {
		panic("api.NewServer: bots service must not be nil")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{cfg: cfg, deps: deps, router: router}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1", s.authenticate)

	v1.POST("/bots", s.createBot)
	v1.GET("/bots", s.listBots)
	v1.GET("/bots/:id", s.getBot)
	v1.GET("/bots/:id/events", s.listBotEvents)
	v1.POST("/bots/:id/leave", s.leaveBot)
	v1.POST("/bots/:id/pause_recording", s.pauseRecording)
	v1.POST("/bots/:id/resume_recording", s.resumeRecording)
	v1.POST("/bots/:id/start_recording", s.startRecording)
	v1.GET("/bots/:id/transcript", s.getTranscript)
	v1.GET("/bots/:id/recordings", s.listRecordings)
	v1.GET("/bots/:id/participants", s.listParticipants)
	v1.GET("/bots/:id/participant_events", s.listParticipantEvents)
	v1.GET("/bots/:id/chat_messages", s.listChatMessages)

	v1.POST("/subscriptions", s.createSubscription)
	v1.GET("/subscriptions", s.listSubscriptions)
	v1.GET("/subscriptions/:id", s.getSubscription)
	v1.DELETE("/subscriptions/:id", s.deactivateSubscription)
	v1.GET("/subscriptions/:id/deliveries", s.listDeliveryAttempts)

	v1.PUT("/credentials/:provider", s.storeCredential)
	v1.DELETE("/credentials/:provider", s.deleteCredential)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API listening", "port", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("API stopped")
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authenticate resolves the bearer token to a project and stores it on
// the request context.
func (s *Server) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	project, err := s.deps.Projects.AuthenticateToken(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api token"})
			return
		}
		slog.Error("Token authentication failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Set(projectKey, project)
	c.Next()
}

func (s *Server) project(c *gin.Context) *models.Project {
	return c.MustGet(projectKey).(*models.Project)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// renderError maps service errors onto HTTP statuses.
func renderError(c *gin.Context, err error) {
	var validationErr *services.ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": validationErr.Message,
			"field": validationErr.Field,
		})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, lifecycle.ErrRejected):
		c.JSON(http.StatusConflict, gin.H{"error": "bot state does not permit this operation"})
	case errors.Is(err, services.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credits"})
	default:
		slog.Error("Request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
