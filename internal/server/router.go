package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lamrim/internal/auth"
	"github.com/MarcoPoloResearchLab/lamrim/internal/docstore"
	"github.com/MarcoPoloResearchLab/lamrim/internal/identity"
	"github.com/MarcoPoloResearchLab/lamrim/internal/notes"
	"github.com/MarcoPoloResearchLab/lamrim/internal/progress"
)

const (
	userIDContextKey        = "lamrim_user_id"
	accessTokenQueryParam   = "access_token"
	maxRequestBodyBytes     = 4 << 20
	defaultHeartbeatPeriod  = 25 * time.Second
	serviceErrorReasonLarge = "batch_too_large"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingDocumentStore  = errors.New("document store dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the user and device it was
// issued for.
type TokenValidator interface {
	ValidateDeviceToken(token string) (identity.UserID, string, error)
}

// DeviceTracker records that a device made an authenticated request.
type DeviceTracker interface {
	Touch(ctx context.Context, userID identity.UserID, device string) error
}

// DocumentStore is the per-user document store served over HTTP.
type DocumentStore interface {
	FetchProgress(ctx context.Context, userID identity.UserID) (progress.Snapshot, error)
	WriteProgress(ctx context.Context, userID identity.UserID, snapshot progress.Snapshot) error
	SubscribeProgress(ctx context.Context, userID identity.UserID, onSnapshot func(progress.Snapshot)) (func(), error)
	ListNotes(ctx context.Context, userID identity.UserID) ([]notes.Note, error)
	WriteNote(ctx context.Context, userID identity.UserID, note notes.Note) error
	DeleteNote(ctx context.Context, userID identity.UserID, noteID notes.NoteID) error
	BatchWriteNotes(ctx context.Context, userID identity.UserID, batch []notes.Note) error
	SubscribeNotes(ctx context.Context, userID identity.UserID, onNotes func([]notes.Note)) (func(), error)
}

type Dependencies struct {
	Tokens          TokenValidator
	Documents       DocumentStore
	Devices         DeviceTracker
	AllowedOrigins  []string
	HeartbeatPeriod time.Duration
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatPeriod
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatPeriod
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		documents: deps.Documents,
		devices:   deps.Devices,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/progress", handler.handleFetchProgress)
	protected.PUT("/progress", handler.handleWriteProgress)
	protected.GET("/progress/stream", handler.handleProgressStream)
	protected.GET("/notes", handler.handleListNotes)
	protected.POST("/notes/batch", handler.handleBatchWriteNotes)
	protected.GET("/notes/stream", handler.handleNotesStream)
	protected.PUT("/notes/:id", handler.handleWriteNote)
	protected.DELETE("/notes/:id", handler.handleDeleteNote)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens    TokenValidator
	documents DocumentStore
	devices   DeviceTracker
	heartbeat time.Duration
	logger    *zap.Logger
}

// NotesPayload is the wire shape of a note list.
type NotesPayload struct {
	Notes []notes.Note `json:"notes"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleFetchProgress(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	snapshot, err := h.documents.FetchProgress(c.Request.Context(), userID)
	if err != nil {
		h.respondServiceError(c, "fetch_failed", err)
		return
	}
	payload, err := progress.EncodeSnapshot(snapshot)
	if err != nil {
		h.logger.Error("failed to encode progress", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
}

func (h *httpHandler) handleWriteProgress(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	snapshot, err := progress.DecodeSnapshot(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_progress"})
		return
	}
	if err := h.documents.WriteProgress(c.Request.Context(), userID, snapshot); err != nil {
		h.respondServiceError(c, "write_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	list, err := h.documents.ListNotes(c.Request.Context(), userID)
	if err != nil {
		h.respondServiceError(c, "list_failed", err)
		return
	}
	c.JSON(http.StatusOK, NotesPayload{Notes: list})
}

func (h *httpHandler) handleWriteNote(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	noteID, err := notes.NewNoteID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}
	var note notes.Note
	if err := c.ShouldBindJSON(&note); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if note.ID != "" && note.ID != noteID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "note_id_mismatch"})
		return
	}
	note.ID = noteID
	if err := note.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note"})
		return
	}
	if err := h.documents.WriteNote(c.Request.Context(), userID, note); err != nil {
		h.respondServiceError(c, "write_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	noteID, err := notes.NewNoteID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}
	if err := h.documents.DeleteNote(c.Request.Context(), userID, noteID); err != nil {
		h.respondServiceError(c, "delete_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleBatchWriteNotes(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request NotesPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Notes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	for _, note := range request.Notes {
		if err := note.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note", "note_id": note.ID.String()})
			return
		}
	}
	if err := h.documents.BatchWriteNotes(c.Request.Context(), userID, request.Notes); err != nil {
		h.respondServiceError(c, "batch_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) requireUser(c *gin.Context) (identity.UserID, bool) {
	userID, err := identity.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, fallback string, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": fallback}
	var serviceErr *docstore.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
		if strings.HasSuffix(serviceErr.Code(), "."+serviceErrorReasonLarge) {
			status = http.StatusRequestEntityTooLarge
		} else if strings.Contains(serviceErr.Code(), ".invalid_") {
			status = http.StatusBadRequest
		}
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("document store request failed", zap.String("reason", fallback), zap.Error(err))
	}
	c.JSON(status, body)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = strings.TrimSpace(c.Query(accessTokenQueryParam))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, device, err := h.tokens.ValidateDeviceToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.devices != nil {
		if err := h.devices.Touch(c.Request.Context(), userID, device); err != nil {
			h.logger.Warn("failed to record device activity", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
	c.Set(userIDContextKey, userID.String())
	c.Next()
}
