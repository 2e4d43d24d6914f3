package trader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/database"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/movement"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/pricing"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/trading"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	requestTimeout      = 10 * time.Second
	requestIDHeaderKey  = "X-Request-ID"
	requestIDContextKey = "request_id"
)

// APIServer provides the HTTP session surface of the engine.
type APIServer struct {
	server *http.Server
	engine *Engine
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(engine *Engine, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine: engine,
		logger: logger.Named("api-server"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", engine.cfg.Server.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

// Routes configures every route on a new gin engine.
func (s *APIServer) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestIDMiddleware(), s.loggerMiddleware(), gin.Recovery())

	router.GET("/health", s.healthHandler)
	router.GET("/status", s.statusHandler)

	api := router.Group("/api")
	api.GET("/assets", s.assetsHandler)
	api.GET("/prices", s.pricesHandler)
	api.POST("/select", s.selectHandler)
	api.PUT("/mode", s.modeHandler)
	api.POST("/refresh", s.refreshHandler)

	api.POST("/trades", s.openTradeHandler)
	api.GET("/trades", s.tradesHandler)
	api.GET("/trades/active", s.activeTradeHandler)
	api.GET("/statistics", s.statisticsHandler)

	api.GET("/toasts", s.toastsHandler)
	api.GET("/movement", s.movementHandler)
	api.POST("/movement/:id/dismiss", s.dismissMovementHandler)
	api.POST("/movement/:id/trade", s.tradeNowHandler)
	api.GET("/notifications", s.notificationsHandler)
	api.POST("/notifications/:id/read", s.markReadHandler)

	return router
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeaderKey)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeaderKey, requestID)
		c.Set(requestIDContextKey, requestID)
		c.Next()
	}
}

func (s *APIServer) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(requestIDContextKey)),
		)
	}
}

func (s *APIServer) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "OK", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

func (s *APIServer) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *APIServer) assetsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Catalog.All())
}

func (s *APIServer) pricesHandler(c *gin.Context) {
	symbols := s.engine.Prices.Tracked()
	out := make([]AssetStatus, 0, len(symbols))
	for _, symbol := range symbols {
		out = append(out, s.engine.Asset(symbol))
	}
	c.JSON(http.StatusOK, out)
}

type selectRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

func (s *APIServer) selectHandler(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.handleError(c, err, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.Prices.Select(req.Symbol); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pricing.ErrUnknownAsset) {
			status = http.StatusNotFound
		}
		s.handleError(c, err, status, err.Error())
		return
	}
	c.JSON(http.StatusOK, s.engine.Asset(req.Symbol))
}

type modeRequest struct {
	Mode models.AccountMode `json:"mode" binding:"required"`
}

func (s *APIServer) modeHandler(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.handleError(c, err, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.SetMode(req.Mode); err != nil {
		s.handleError(c, err, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": req.Mode})
}

func (s *APIServer) refreshHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	c.JSON(http.StatusOK, s.engine.Staleness.ForceRefresh(ctx))
}

type openRequest struct {
	Mode            models.AccountMode `json:"mode"`
	Symbol          string             `json:"symbol" binding:"required"`
	Direction       models.Direction   `json:"direction" binding:"required"`
	Stake           decimal.Decimal    `json:"stake"`
	DurationSeconds int                `json:"duration_seconds" binding:"required"`
}

func (s *APIServer) openTradeHandler(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.handleError(c, err, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	trade, err := s.engine.Open(ctx, trading.OpenRequest{
		Mode:            req.Mode,
		Symbol:          req.Symbol,
		Direction:       req.Direction,
		Stake:           req.Stake,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		var pe *trading.PreconditionError
		switch {
		case errors.As(err, &pe) && pe.Reason == trading.ReasonTradeActive:
			s.handleError(c, err, http.StatusConflict, err.Error())
		case errors.As(err, &pe):
			s.handleError(c, err, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, trading.ErrStopped):
			s.handleError(c, err, http.StatusServiceUnavailable, err.Error())
		default:
			s.handleError(c, err, http.StatusInternalServerError, err.Error())
		}
		return
	}
	c.JSON(http.StatusCreated, trade)
}

func (s *APIServer) tradesHandler(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		s.handleError(c, fmt.Errorf("invalid limit %q", c.Query("limit")), http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	trades, err := s.engine.Trades.History(c.Request.Context(), limit)
	if err != nil {
		s.handleError(c, err, http.StatusInternalServerError, "Failed to get trades")
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *APIServer) activeTradeHandler(c *gin.Context) {
	trade, ok := s.engine.Trades.Active()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active trade"})
		return
	}
	remaining, _ := s.engine.Trades.Remaining()
	c.JSON(http.StatusOK, gin.H{"trade": trade, "remaining_seconds": remaining})
}

func (s *APIServer) statisticsHandler(c *gin.Context) {
	stats, err := s.engine.Trades.Statistics(c.Request.Context())
	if err != nil {
		s.handleError(c, err, http.StatusInternalServerError, "Failed to calculate statistics")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *APIServer) toastsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Notifier.Toasts())
}

func (s *APIServer) movementHandler(c *gin.Context) {
	alert, ok := s.engine.Movement.Current()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *APIServer) dismissMovementHandler(c *gin.Context) {
	if err := s.engine.Movement.Dismiss(c.Param("id")); err != nil {
		s.movementError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *APIServer) tradeNowHandler(c *gin.Context) {
	alert, err := s.engine.TradeNow(c.Param("id"))
	if err != nil {
		s.movementError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *APIServer) movementError(c *gin.Context, err error) {
	if errors.Is(err, movement.ErrAlertNotFound) {
		s.handleError(c, err, http.StatusNotFound, err.Error())
		return
	}
	s.handleError(c, err, http.StatusInternalServerError, err.Error())
}

func (s *APIServer) notificationsHandler(c *gin.Context) {
	alerts, err := s.engine.Notifier.Unread(c.Request.Context(), 100)
	if err != nil {
		s.handleError(c, err, http.StatusInternalServerError, "Failed to get notifications")
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (s *APIServer) markReadHandler(c *gin.Context) {
	err := s.engine.Notifier.MarkRead(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, database.ErrNotFound):
		s.handleError(c, err, http.StatusNotFound, "notification not found")
	case err != nil:
		s.handleError(c, err, http.StatusInternalServerError, "Failed to update notification")
	default:
		c.Status(http.StatusNoContent)
	}
}

// handleError logs the error and sends a JSON error body.
func (s *APIServer) handleError(c *gin.Context, err error, statusCode int, userMessage string) {
	requestID := c.GetString(requestIDContextKey)
	s.logger.Warn("API error",
		zap.String("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status_code", statusCode),
		zap.Error(err),
	)
	c.JSON(statusCode, gin.H{"error": userMessage, "request_id": requestID})
}
