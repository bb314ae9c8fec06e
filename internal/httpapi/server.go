// Package httpapi exposes the ledger to browser views over JSON and
// server-sent events.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/lasertracker/internal/realtime"
	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Dependencies are the collaborators the HTTP layer drives.
type Dependencies struct {
	Service  *ledger.Service
	Sessions *ledger.Sessions
	Hub      *realtime.Hub
	Logger   *zap.Logger
}

// NewHandler validates cfg and builds the router.
func NewHandler(cfg Config, deps Dependencies) (http.Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Service == nil || deps.Sessions == nil || deps.Hub == nil {
		return nil, fmt.Errorf("%w: http dependencies are incomplete", ledger.ErrInvalidServiceConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:   logger,
		service:  deps.Service,
		sessions: deps.Sessions,
		hub:      deps.Hub,
		cfg:      cfg,
	}
	return setupRouter(cfg, handler, sessionValidator), nil
}

// Run serves the API on cfg.ListenAddr until ctx ends.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	router, err := NewHandler(cfg, deps)
	if err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("lasertracker listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Cache-Control"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(optionalSession(validator))
	api.GET("/session", handler.handleSession)
	api.GET("/ledger", handler.handleLedger)
	api.GET("/totals", handler.handleTotals)
	api.POST("/quote", handler.handleQuote)
	api.POST("/work", handler.handleWork)
	api.GET("/events", handler.handleEvents)

	member := api.Group("")
	member.Use(validator.GinMiddleware(claimsContextKey))
	member.POST("/session", handler.handleSignIn)
	member.DELETE("/session", handler.handleSignOut)
	member.GET("/tab", handler.handleTab)
	member.POST("/tab/settle", handler.handleSettleTab)
	member.GET("/preferences/price", handler.handleGetPrice)
	member.PUT("/preferences/price", handler.handlePutPrice)
	member.POST("/ledger/:id/reverse", handler.handleReverse)
	member.POST("/admin/rebuild", handler.handleRebuild)

	return router
}

// optionalSession attaches claims when the request carries a valid session
// cookie and lets anonymous requests through untouched.
func optionalSession(validator *sessionvalidator.Validator) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if claims, err := validator.ValidateRequest(ctx.Request); err == nil {
			ctx.Set(claimsContextKey, claims)
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
