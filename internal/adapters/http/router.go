// Package http wires the dev server's gin routes.
package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/dkeye/Consult/internal/adapters/signal"
	"github.com/dkeye/Consult/internal/app"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Server struct {
	Orch     *app.Orchestrator
	Auth     *app.Auth
	Signal   *signal.SignalWSController
	Gatherer prometheus.Gatherer
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// BearerAuth verifies the token and stores the user under "user".
func BearerAuth(auth *app.Auth) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := auth.Verify(signal.BearerToken(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, srv *Server) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Server.Secret))
	r.Use(sessions.Sessions("ConsultSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": srv.Orch.Registry.Count()})
	})
	if srv.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(srv.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.GET("/ws", func(c *gin.Context) {
		srv.Signal.HandleSignal(ctx, c)
	})

	authed := api.Group("", BearerAuth(srv.Auth))
	authed.GET("/chats/:id/messages", srv.listMessages)
	authed.POST("/chats/:id/messages", srv.postMessage)
	authed.POST("/session-requests", srv.postSessionRequest)
	authed.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": srv.Orch.Rooms.List()})
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

type postMessageBody struct {
	Body          string `json:"body"`
	CorrelationID string `json:"correlationId"`
}

func (s *Server) listMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": s.Orch.History(c.Param("id"))})
}

func (s *Server) postMessage(c *gin.Context) {
	var body postMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	correlationID := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if correlationID == "" {
		correlationID = body.CorrelationID
	}
	user := c.MustGet("user").(*domain.User)

	msg, dup, err := s.Orch.Post("", user, c.Param("id"), body.Body, correlationID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"serverId": msg.ID, "message": msg})
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (s *Server) postSessionRequest(c *gin.Context) {
	var req domain.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	if err := validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status == "" {
		req.Status = domain.SessionRequestPending
	}
	n := s.Orch.NotifyRequest(req)
	c.JSON(http.StatusAccepted, gin.H{"delivered": n})
}
