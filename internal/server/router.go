package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/campfit/relay/internal/gateway"
	"github.com/campfit/relay/internal/linebot"
	"github.com/campfit/relay/internal/proxy"
)

const jsonContentType = "application/json"

var errMissingProxyService = errors.New("proxy service dependency required")

// Dependencies collects everything the HTTP layer needs. Bridge is optional:
// without one the webhook route is not registered.
type Dependencies struct {
	ProxyService *proxy.Service
	Bridge       *linebot.Bridge
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router with all proxy endpoints. Every
// response carries permissive CORS headers and any OPTIONS request gets a
// 204; the browser client is served from a different origin.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.ProxyService == nil {
		return nil, errMissingProxyService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	// The cors middleware only answers OPTIONS that carry an Origin header.
	// Every endpoint answers OPTIONS with 204 regardless, so origin-less
	// OPTIONS gets the same treatment here instead of falling through to 405.
	router.NoMethod(func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}
		c.String(http.StatusMethodNotAllowed, "405 method not allowed")
	})
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		service: deps.ProxyService,
		bridge:  deps.Bridge,
		logger:  logger,
	}

	router.POST("/relay", handler.handleRelay)
	router.GET("/movement-lib", handler.handleMovementLib)
	router.GET("/training-progress", handler.handleTrainingProgress)
	router.POST("/training-progress/refresh", handler.handleForceRefresh)
	router.GET("/roster", handler.handleRoster)
	router.GET("/diary", handler.handleDiary)
	router.POST("/daily-report", handler.handleDailyReport)

	if deps.Bridge != nil {
		router.POST("/webhook/line", handler.handleWebhook)
	}

	return router, nil
}

type httpHandler struct {
	service *proxy.Service
	bridge  *linebot.Bridge
	logger  *zap.Logger
}

func (h *httpHandler) handleRelay(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to read request body")
		return
	}

	text, err := h.service.Relay(c.Request.Context(), body)
	if err != nil {
		c.String(http.StatusInternalServerError, "relay failed: %v", err)
		return
	}
	c.String(http.StatusOK, text)
}

func (h *httpHandler) handleMovementLib(c *gin.Context) {
	payload, err := h.service.MovementLibrary(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.Data(http.StatusOK, jsonContentType, payload)
}

func (h *httpHandler) handleTrainingProgress(c *gin.Context) {
	payload, err := h.service.TrainingProgress(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.Data(http.StatusOK, jsonContentType, payload)
}

func (h *httpHandler) handleForceRefresh(c *gin.Context) {
	confirmation, err := h.service.ForceRefreshProgress(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.String(http.StatusOK, confirmation)
}

func (h *httpHandler) handleRoster(c *gin.Context) {
	fresh := c.Query("fresh") == "1"
	result, err := h.service.Roster(c.Request.Context(), fresh)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleDiary(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "userId is required"})
		return
	}

	payload, err := h.service.Diary(
		c.Request.Context(),
		userID,
		c.Query("start"),
		c.Query("end"),
		c.Query("fresh") == "1",
	)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.Data(http.StatusOK, jsonContentType, payload)
}

func (h *httpHandler) handleDailyReport(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to read request body")
		return
	}

	text, err := h.service.SubmitDailyReport(c.Request.Context(), body)
	if err != nil {
		c.String(http.StatusInternalServerError, "submission failed: %v", err)
		return
	}
	c.String(http.StatusOK, text)
}

func (h *httpHandler) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false})
		return
	}

	if err := h.bridge.Process(c.Request.Context(), body); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// renderError maps service failures onto the response taxonomy: upstream
// contract violations are a 502, missing client input a 400, everything else
// a generic 500 with internals kept out of the body.
func (h *httpHandler) renderError(c *gin.Context, err error) {
	var formatErr *gateway.UpstreamFormatError
	switch {
	case errors.Is(err, proxy.ErrMissingUserID):
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "userId is required"})
	case errors.As(err, &formatErr):
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": "upstream returned an unexpected response"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.String(http.StatusInternalServerError, "server error")
	}
}
