package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stafflink/rosterhub/internal/entity"
	"github.com/stafflink/rosterhub/internal/hub"
	"github.com/stafflink/rosterhub/internal/store"
)

const subjectContextKey = "rosterhub_subject"

var (
	errMissingHub          = errors.New("hub dependency required")
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingStore        = errors.New("entity store dependency required")
	errInvalidAuth         = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates the bearer tokens presented on the
// websocket handshake and REST surface.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Hub          *hub.Hub
	TokenManager TokenManager
	Store        store.EntityStore
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		hub:         deps.Hub,
		tokens:      deps.TokenManager,
		entityStore: deps.Store,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy is enforced by the CORS layer above.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router.POST("/auth/token", handler.handleTokenMint)
	router.GET("/healthz", handler.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebsocket)
	protected.GET("/entities", handler.handleListEntities)
	protected.GET("/entities/:key", handler.handleGetEntity)

	return router, nil
}

type httpHandler struct {
	hub         *hub.Hub
	tokens      TokenManager
	entityStore store.EntityStore
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

type tokenRequestPayload struct {
	Subject string `json:"subject"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenMint(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Subject) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), strings.TrimSpace(request.Subject))
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Health())
}

// handleWebsocket upgrades the authenticated request and hands the
// connection to the hub, which owns it from then on.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID, err := h.hub.Connect(conn)
	if err != nil {
		h.logger.Warn("connection rejected", zap.Error(err))
		_ = conn.Close()
		return
	}
	h.logger.Debug("websocket session opened",
		zap.String("client_id", clientID.String()),
		zap.String("subject", c.GetString(subjectContextKey)))
}

type entityResponsePayload struct {
	Key        string         `json:"key"`
	Topic      string         `json:"topic"`
	Version    int64          `json:"version"`
	Payload    map[string]any `json:"payload"`
	Lifecycle  string         `json:"lifecycle"`
	LastWriter string         `json:"last_writer"`
	UpdatedAtS int64          `json:"updated_at_s"`
	CreatedAtS int64          `json:"created_at_s"`
}

func (h *httpHandler) handleListEntities(c *gin.Context) {
	filter := store.Filter{
		Topic:          strings.TrimSpace(c.Query("topic")),
		IncludeDeleted: c.Query("include_deleted") == "true",
	}
	records, err := h.entityStore.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("entity list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	response := make([]entityResponsePayload, 0, len(records))
	for _, record := range records {
		payload, err := record.Payload()
		if err != nil {
			h.logger.Warn("stored payload decode failed",
				zap.String("entity_key", record.Key),
				zap.Error(err))
			continue
		}
		response = append(response, toEntityResponse(record, payload))
	}
	c.JSON(http.StatusOK, gin.H{"entities": response})
}

func (h *httpHandler) handleGetEntity(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	record, err := h.entityStore.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("entity fetch failed", zap.String("entity_key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}

	payload, err := record.Payload()
	if err != nil {
		h.logger.Error("stored payload decode failed", zap.String("entity_key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}
	c.JSON(http.StatusOK, toEntityResponse(*record, payload))
}

func toEntityResponse(record entity.Entity, payload entity.Payload) entityResponsePayload {
	return entityResponsePayload{
		Key:        record.Key,
		Topic:      record.Topic,
		Version:    record.Version,
		Payload:    payload,
		Lifecycle:  string(record.Lifecycle),
		LastWriter: record.LastWriter,
		UpdatedAtS: record.UpdatedAtSeconds,
		CreatedAtS: record.CreatedAtSeconds,
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := ""
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case c.Query("access_token") != "":
		// Browser websocket clients cannot set headers on the handshake.
		token = c.Query("access_token")
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}
