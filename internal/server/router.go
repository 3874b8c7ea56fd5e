package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/soulbox/backend/internal/auth"
	"github.com/soulbox/backend/internal/capsules"
	"github.com/soulbox/backend/internal/media"
	"github.com/soulbox/backend/internal/timecodec"
	"go.uber.org/zap"
)

const userIDContextKey = "soulbox_user_id"

var (
	errMissingVerifier       = errors.New("token verifier dependency required")
	errMissingCapsuleService = errors.New("capsule service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenVerifier validates the bearer token on protected routes.
type TokenVerifier interface {
	ValidateRequest(r *http.Request) (auth.Claims, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Verifier   TokenVerifier
	Capsules   *capsules.Service
	Media      media.Store
	Dispatcher *UnlockDispatcher
	UploadsDir string
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin router for the capsule API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Capsules == nil {
		return nil, errMissingCapsuleService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:   deps.Verifier,
		capsules:   deps.Capsules,
		media:      deps.Media,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}

	router.GET("/health", handler.handleHealth)
	if deps.UploadsDir != "" {
		router.Static("/uploads", deps.UploadsDir)
	}

	api := router.Group("/api/capsule")
	api.GET("/view/:token", handler.handleViewByToken)
	api.GET("/view/byId/:id", handler.handleViewByID)
	api.POST("/unlock/:token", handler.handleUnlock)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/create", handler.handleCreate)
	protected.GET("/my", handler.handleListMine)
	protected.GET("/status/:id", handler.handleStatus)
	protected.GET("/viewers/:id", handler.handleViewers)
	protected.POST("/fix-auto-unlocked", handler.handleRepair)
	protected.DELETE("/delete/:id", handler.handleDelete)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	verifier   TokenVerifier
	capsules   *capsules.Service
	media      media.Store
	dispatcher *UnlockDispatcher
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.verifier.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Next()
}

type createResponsePayload struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	CapsuleID  string `json:"capsuleId"`
	EncryptKey string `json:"encrypt_key"`
	ShareToken string `json:"share_token"`
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	request := capsules.CreateRequest{
		UserID:         userID,
		Title:          strings.TrimSpace(c.PostForm("title")),
		Message:        strings.TrimSpace(c.PostForm("message")),
		UnlockDate:     strings.TrimSpace(c.PostForm("unlock_date")),
		UnlockTime:     strings.TrimSpace(c.PostForm("unlock_time")),
		RecipientEmail: strings.TrimSpace(c.PostForm("recipient_email")),
	}

	if file, err := c.FormFile("file"); err == nil && file != nil {
		if h.media == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "media_uploads_disabled"})
			return
		}
		ref, err := h.media.Save(file)
		if err != nil {
			if errors.Is(err, media.ErrUnsupportedType) || errors.Is(err, media.ErrFileTooLarge) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_media", "detail": err.Error()})
				return
			}
			h.logger.Error("media save failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
			return
		}
		request.MediaRefs = []string{ref}
	}

	result, err := h.capsules.Create(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, createResponsePayload{
		Success:    true,
		Message:    "Capsule created successfully",
		CapsuleID:  result.CapsuleID,
		EncryptKey: result.EncryptKey,
		ShareToken: result.ShareToken,
	})
}

type capsuleListItemPayload struct {
	CapsuleID      string   `json:"id"`
	Title          string   `json:"title"`
	Message        string   `json:"message"`
	UnlockDate     string   `json:"unlock_date"`
	UnlockTime     string   `json:"unlock_time"`
	RecipientEmail string   `json:"recipient_email,omitempty"`
	EncryptKey     string   `json:"encrypt_key"`
	ShareToken     string   `json:"share_token"`
	MediaFiles     []string `json:"media_files"`
	IsUnlocked     bool     `json:"is_unlocked"`
	CreatedAt      string   `json:"created_at"`
	UnlockedAt     string   `json:"unlocked_at,omitempty"`
}

func (h *httpHandler) handleListMine(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	rows, err := h.capsules.ListByOwner(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	payload := make([]capsuleListItemPayload, 0, len(rows))
	for _, capsule := range rows {
		item := capsuleListItemPayload{
			CapsuleID:      capsule.ID,
			Title:          capsule.Title,
			Message:        capsule.Message,
			UnlockDate:     capsule.UnlockDate,
			UnlockTime:     capsule.UnlockTime,
			RecipientEmail: capsule.RecipientEmail,
			EncryptKey:     capsule.EncryptKey,
			ShareToken:     capsule.ShareToken,
			MediaFiles:     capsule.MediaRefs(),
			IsUnlocked:     capsule.IsUnlocked,
			CreatedAt:      capsule.CreatedAt.Format(time.RFC3339),
		}
		if item.MediaFiles == nil {
			item.MediaFiles = []string{}
		}
		if capsule.UnlockedAt != nil {
			item.UnlockedAt = capsule.UnlockedAt.Format(time.RFC3339)
		}
		payload = append(payload, item)
	}
	c.JSON(http.StatusOK, payload)
}

type publicViewPayload struct {
	CapsuleID        string   `json:"id"`
	Title            string   `json:"title"`
	UnlockDate       string   `json:"unlock_date"`
	UnlockTime       string   `json:"unlock_time"`
	Status           string   `json:"status"`
	SecondsRemaining int64    `json:"seconds_remaining"`
	CreatedAt        string   `json:"created_at"`
	UnlockedAt       string   `json:"unlocked_at,omitempty"`
	Message          string   `json:"message,omitempty"`
	MediaFiles       []string `json:"media_files,omitempty"`
}

func (h *httpHandler) handleViewByToken(c *gin.Context) {
	view, err := h.capsules.ViewByShareToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, publicViewFromService(view))
}

func (h *httpHandler) handleViewByID(c *gin.Context) {
	view, err := h.capsules.ViewByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, publicViewFromService(view))
}

func publicViewFromService(view capsules.PublicView) publicViewPayload {
	payload := publicViewPayload{
		CapsuleID:        view.CapsuleID,
		Title:            view.Title,
		UnlockDate:       view.UnlockDate,
		UnlockTime:       view.UnlockTime,
		Status:           string(view.Snapshot.State),
		SecondsRemaining: view.Snapshot.SecondsRemaining,
		CreatedAt:        view.CreatedAt.Format(time.RFC3339),
		Message:          view.Message,
		MediaFiles:       view.MediaRefs,
	}
	if view.UnlockedAt != nil {
		payload.UnlockedAt = view.UnlockedAt.Format(time.RFC3339)
	}
	return payload
}

type unlockRequestPayload struct {
	Key         string `json:"key"`
	ViewerEmail string `json:"viewer_email"`
}

type unlockResponsePayload struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message"`
	CapsuleID string            `json:"capsule_id"`
	Data      unlockDataPayload `json:"data"`
}

type unlockDataPayload struct {
	Title      string   `json:"title"`
	Message    string   `json:"message"`
	MediaFiles []string `json:"media_files"`
	CreatedAt  string   `json:"created_at"`
	UnlockedAt string   `json:"unlocked_at"`
}

func (h *httpHandler) handleUnlock(c *gin.Context) {
	var request unlockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Key) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unlock_code_required"})
		return
	}

	result, err := h.capsules.Unlock(c.Request.Context(), c.Param("token"), request.Key, strings.TrimSpace(request.ViewerEmail))
	if err != nil {
		h.respondError(c, err)
		return
	}

	mediaFiles := result.MediaRefs
	if mediaFiles == nil {
		mediaFiles = []string{}
	}
	c.JSON(http.StatusOK, unlockResponsePayload{
		Success:   true,
		Message:   "Capsule unlocked successfully!",
		CapsuleID: result.CapsuleID,
		Data: unlockDataPayload{
			Title:      result.Title,
			Message:    result.Message,
			MediaFiles: mediaFiles,
			CreatedAt:  result.CreatedAt.Format(time.RFC3339),
			UnlockedAt: result.UnlockedAt.Format(time.RFC3339),
		},
	})
}

type statusResponsePayload struct {
	CapsuleID          string `json:"capsule_id"`
	Title              string `json:"title"`
	Status             string `json:"status"`
	UnlockAt           string `json:"unlock_at"`
	SecondsRemaining   int64  `json:"seconds_remaining"`
	AutoUnlockDetected bool   `json:"auto_unlock_detected"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	report, err := h.capsules.Status(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	payload := statusResponsePayload{
		CapsuleID:          report.CapsuleID,
		Title:              report.Title,
		Status:             string(report.Snapshot.State),
		SecondsRemaining:   report.Snapshot.SecondsRemaining,
		AutoUnlockDetected: report.Snapshot.AutoUnlockSuspect,
	}
	if !report.Snapshot.UnlockAt.IsZero() {
		payload.UnlockAt = report.Snapshot.UnlockAt.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, payload)
}

type viewerPayload struct {
	ViewerEmail string `json:"viewer_email"`
	ViewedAt    string `json:"viewed_at"`
}

func (h *httpHandler) handleViewers(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	viewers, err := h.capsules.Viewers(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	payload := make([]viewerPayload, 0, len(viewers))
	for _, viewer := range viewers {
		payload = append(payload, viewerPayload{
			ViewerEmail: viewer.ViewerEmail,
			ViewedAt:    viewer.ViewedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, payload)
}

type repairedCapsulePayload struct {
	CapsuleID       string `json:"capsule_id"`
	Title           string `json:"title"`
	UnlockAt        string `json:"unlock_at,omitempty"`
	UnlockedAt      string `json:"unlocked_at,omitempty"`
	DriftSeconds    int64  `json:"drift_seconds"`
	MissingUnlockAt bool   `json:"missing_unlocked_at"`
}

func (h *httpHandler) handleRepair(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	result, err := h.capsules.RepairAutoUnlocked(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	fixed := make([]repairedCapsulePayload, 0, len(result.Details))
	for _, detail := range result.Details {
		item := repairedCapsulePayload{
			CapsuleID:       detail.CapsuleID,
			Title:           detail.Title,
			DriftSeconds:    detail.DriftSeconds,
			MissingUnlockAt: detail.MissingUnlockAt,
		}
		if !detail.UnlockAt.IsZero() {
			item.UnlockAt = detail.UnlockAt.Format(time.RFC3339)
		}
		if detail.UnlockedAt != nil {
			item.UnlockedAt = detail.UnlockedAt.Format(time.RFC3339)
		}
		fixed = append(fixed, item)
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"fixed_count":    result.FixedCount,
		"fixed_capsules": fixed,
	})
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.capsules.Delete(c.Request.Context(), c.Param("id"), userID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Capsule deleted successfully"})
}

type unlockEventPayload struct {
	Event      string `json:"event"`
	CapsuleID  string `json:"capsule_id"`
	Title      string `json:"title"`
	UnlockedAt string `json:"unlocked_at"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "events_disabled"})
		return
	}
	userID := c.GetString(userIDContextKey)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	requestContext := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(requestContext, userID)
	defer cleanup()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-requestContext.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(unlockEventName, unlockEventPayload{
				Event:      unlockEventName,
				CapsuleID:  event.CapsuleID,
				Title:      event.Title,
				UnlockedAt: event.UnlockedAt.Format(time.RFC3339),
			})
			return true
		}
	})
}

// respondError maps service errors onto the HTTP taxonomy. Store failures
// collapse to an opaque server_error.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var notReady *capsules.NotYetReadyError
	switch {
	case errors.Is(err, capsules.ErrValidation),
		errors.Is(err, timecodec.ErrInvalidTimeFormat),
		errors.Is(err, timecodec.ErrInvalidDateTime):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	case errors.Is(err, capsules.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "capsule_not_found"})
	case errors.Is(err, capsules.ErrAlreadyUnlocked):
		// Not a hard failure: the client routes to the view experience.
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "already_unlocked"})
	case errors.As(err, &notReady):
		payload := gin.H{"success": false, "error": "not_ready"}
		if !notReady.UnlockAt.IsZero() {
			payload["unlock_at"] = notReady.UnlockAt.Format(time.RFC3339)
		}
		c.JSON(http.StatusForbidden, payload)
	case errors.Is(err, capsules.ErrInvalidKey):
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid_key"})
	default:
		h.logger.Error("capsule request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	}
}
