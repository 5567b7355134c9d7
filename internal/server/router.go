package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ateliercollab/atelier-backend/internal/auth"
	"github.com/ateliercollab/atelier-backend/internal/realtime"
	"github.com/ateliercollab/atelier-backend/internal/session"
)

const (
	identityContextKey = "atelier_identity"

	defaultCanvasWidth  = 1024
	defaultCanvasHeight = 768
	maxCanvasDimension  = 4096
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingSessionStore  = errors.New("session store dependency required")
	errMissingEngine        = errors.New("realtime engine dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// GuestTokenManager issues and validates guest identities.
type GuestTokenManager interface {
	IssueGuestToken(ctx context.Context, displayName string) (auth.GuestIdentity, string, int64, error)
	ValidateToken(token string) (auth.GuestIdentity, error)
}

// SessionEngine is the live half of the system: it runs connections and
// tears sessions down.
type SessionEngine interface {
	HandleConnection(ctx context.Context, sessionID string, userID uuid.UUID, conn realtime.Conn) error
	CloseSession(ctx context.Context, sessionID string) error
}

// Dependencies wires the HTTP surface to the rest of the system.
type Dependencies struct {
	TokenManager GuestTokenManager
	Store        *session.Store
	Engine       SessionEngine
	Logger       *zap.Logger
	AutoCreate   bool
}

// NewHTTPHandler builds the gin router with all routes registered.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingSessionStore
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		store:      deps.Store,
		engine:     deps.Engine,
		logger:     logger,
		autoCreate: deps.AutoCreate,
	}

	router.POST("/auth/guest", handler.handleGuestAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/sessions", handler.handleListSessions)
	protected.POST("/sessions", handler.handleOpenSession)
	protected.GET("/sessions/:id", handler.handleGetSession)
	protected.POST("/sessions/:id/close", handler.handleCloseSession)
	protected.GET("/sessions/:id/ws", handler.handleSessionSocket)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens     GuestTokenManager
	store      *session.Store
	engine     SessionEngine
	logger     *zap.Logger
	autoCreate bool
}

type guestAuthRequestPayload struct {
	DisplayName string `json:"display_name"`
}

type guestAuthResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

func (h *httpHandler) handleGuestAuth(c *gin.Context) {
	var request guestAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DisplayName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	identity, token, expiresIn, err := h.tokens.IssueGuestToken(c.Request.Context(), request.DisplayName)
	if err != nil {
		h.logger.Error("failed to issue guest token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, guestAuthResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      identity.UserID.String(),
		DisplayName: identity.DisplayName,
	})
}

type openSessionRequestPayload struct {
	RoomID       string `json:"room_id"`
	CanvasWidth  int    `json:"canvas_width"`
	CanvasHeight int    `json:"canvas_height"`
	Public       bool   `json:"public"`
}

type sessionPayload struct {
	SessionID             string `json:"session_id"`
	RoomID                string `json:"room_id"`
	OwnerID               string `json:"owner_id"`
	CanvasWidth           int    `json:"canvas_width"`
	CanvasHeight          int    `json:"canvas_height"`
	Public                bool   `json:"public"`
	Active                bool   `json:"active"`
	CreatedAtSeconds      int64  `json:"created_at_s"`
	UpdatedAtSeconds      int64  `json:"updated_at_s"`
	ConnectedParticipants int64  `json:"connected_participants"`
}

func sessionPayloadFromRecord(record session.SessionRecord, connected int64) sessionPayload {
	return sessionPayload{
		SessionID:             record.SessionID,
		RoomID:                record.RoomID,
		OwnerID:               record.OwnerID,
		CanvasWidth:           record.CanvasWidth,
		CanvasHeight:          record.CanvasHeight,
		Public:                record.Public,
		Active:                record.Active,
		CreatedAtSeconds:      record.CreatedAtSeconds,
		UpdatedAtSeconds:      record.UpdatedAtSeconds,
		ConnectedParticipants: connected,
	}
}

// handleOpenSession resolves the caller's room to its active session. With
// auto-create enabled a missing session is created with the caller as owner;
// otherwise the room must already have one.
func (h *httpHandler) handleOpenSession(c *gin.Context) {
	identity, ok := h.requestIdentity(c)
	if !ok {
		return
	}

	var request openSessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.RoomID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	width, height, err := normalizeCanvas(request.CanvasWidth, request.CanvasHeight)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_canvas"})
		return
	}

	if !h.autoCreate {
		record, err := h.store.ActiveSessionForRoom(c.Request.Context(), request.RoomID)
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
			return
		}
		if err != nil {
			h.logger.Error("session lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
			return
		}
		c.JSON(http.StatusOK, sessionPayloadFromRecord(record, 0))
		return
	}

	record, created, err := h.store.CreateOrFetchActiveSession(c.Request.Context(), session.CreateSessionRequest{
		RoomID:       strings.TrimSpace(request.RoomID),
		OwnerID:      identity.UserID.String(),
		CanvasWidth:  width,
		CanvasHeight: height,
		Public:       request.Public,
	})
	if err != nil {
		h.logger.Error("session open failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_open_failed"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, sessionPayloadFromRecord(record, 0))
}

func (h *httpHandler) handleListSessions(c *gin.Context) {
	summaries, err := h.store.ListPublicSessions(c.Request.Context())
	if err != nil {
		h.logger.Error("session listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}

	payloads := make([]sessionPayload, 0, len(summaries))
	for _, summary := range summaries {
		payloads = append(payloads, sessionPayloadFromRecord(summary.SessionRecord, summary.ConnectedParticipants))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": payloads})
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	sessionID := c.Param("id")
	record, err := h.store.SessionByID(c.Request.Context(), sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("session lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	connected, err := h.store.ConnectedParticipantCount(c.Request.Context(), sessionID)
	if err != nil {
		connected = 0
	}
	c.JSON(http.StatusOK, sessionPayloadFromRecord(record, connected))
}

// handleCloseSession deactivates a session on the owner's request.
func (h *httpHandler) handleCloseSession(c *gin.Context) {
	identity, ok := h.requestIdentity(c)
	if !ok {
		return
	}

	sessionID := c.Param("id")
	record, err := h.store.SessionByID(c.Request.Context(), sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("session lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if record.OwnerID != identity.UserID.String() {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_owner"})
		return
	}

	if err := h.engine.CloseSession(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("session close failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "close_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true})
}

// authorizeRequest resolves the guest identity from the Authorization header
// or, for websocket upgrades where browsers cannot set headers, from the
// token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine client churn, not operator signal.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) requestIdentity(c *gin.Context) (auth.GuestIdentity, bool) {
	value, exists := c.Get(identityContextKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.GuestIdentity{}, false
	}
	identity, ok := value.(auth.GuestIdentity)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.GuestIdentity{}, false
	}
	return identity, true
}

func normalizeCanvas(width, height int) (int, int, error) {
	if width == 0 {
		width = defaultCanvasWidth
	}
	if height == 0 {
		height = defaultCanvasHeight
	}
	if width < 1 || height < 1 || width > maxCanvasDimension || height > maxCanvasDimension {
		return 0, 0, errors.New("canvas dimensions out of range")
	}
	return width, height, nil
}
