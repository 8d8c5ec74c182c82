package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/auth"
	"github.com/MarcoPoloResearchLab/marginalia/internal/catalog"
	"github.com/MarcoPoloResearchLab/marginalia/internal/highlights"
	"github.com/MarcoPoloResearchLab/marginalia/internal/underlines"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const readerContextKey = "marginalia_reader"

var (
	errMissingSessions   = errors.New("session validator dependency required")
	errMissingUnderlines = errors.New("underline service dependency required")
	errMissingHighlights = errors.New("highlights reader dependency required")
	errMissingAggregator = errors.New("aggregator dependency required")
	errMissingCatalog    = errors.New("catalog dependency required")
	registerBindingsOnce sync.Once
)

// SessionAuthenticator resolves the reader behind a request.
type SessionAuthenticator interface {
	ValidateRequest(r *http.Request) (auth.Reader, error)
}

// Refresher runs aggregation for one book on demand.
type Refresher interface {
	Run(ctx context.Context, book catalog.BookRef) (highlights.RunResult, error)
}

// RateLimit bounds each reader's write requests.
type RateLimit struct {
	WritesPerMinute int
	Burst           int
}

type Dependencies struct {
	Sessions       SessionAuthenticator
	Underlines     *underlines.Service
	Highlights     *highlights.Reader
	Aggregator     Refresher
	Catalog        catalog.Catalog
	Realtime       *RealtimeDispatcher
	Metrics        http.Handler
	AllowedOrigins []string
	RateLimit      RateLimit
	Clock          func() time.Time
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Underlines == nil:
		return nil, errMissingUnderlines
	case deps.Highlights == nil:
		return nil, errMissingHighlights
	case deps.Aggregator == nil:
		return nil, errMissingAggregator
	case deps.Catalog == nil:
		return nil, errMissingCatalog
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	if err := registerBindings(); err != nil {
		return nil, err
	}

	handler := &httpHandler{
		sessions:   deps.Sessions,
		underlines: deps.Underlines,
		highlights: deps.Highlights,
		aggregator: deps.Aggregator,
		catalog:    deps.Catalog,
		realtime:   realtime,
		limiter:    newWriteLimiter(deps.RateLimit.WritesPerMinute, deps.RateLimit.Burst, deps.Clock),
		logger:     logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(accessLog(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	books := protected.Group("/books/:type/:id")
	books.GET("/paragraphs/:index/underlines", handler.handleListParagraph)
	books.GET("/paragraphs/:index/spans", handler.handleParagraphSpans)
	books.GET("/underlines/mine", handler.handleListMine)
	books.GET("/highlights", handler.handleListHighlights)
	books.GET("/highlights/events", handler.handleHighlightEvents)
	books.POST("/selections", handler.handleCaptureSelection)
	books.POST("/underlines", handler.limitWrites, handler.handleCreateUnderline)
	books.POST("/highlights/refresh", handler.limitWrites, handler.handleRefreshHighlights)

	protected.PATCH("/underlines/:underline_id/idea", handler.limitWrites, handler.handleAttachIdea)
	protected.DELETE("/underlines/:underline_id", handler.limitWrites, handler.handleDeleteUnderline)

	return router, nil
}

type httpHandler struct {
	sessions   SessionAuthenticator
	underlines *underlines.Service
	highlights *highlights.Reader
	aggregator Refresher
	catalog    catalog.Catalog
	realtime   *RealtimeDispatcher
	limiter    *writeLimiter
	logger     *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)))
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	reader, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(readerContextKey, reader)
	c.Next()
}

func (h *httpHandler) limitWrites(c *gin.Context) {
	reader := currentReader(c)
	if !h.limiter.allow(reader.UserID) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	c.Next()
}

func currentReader(c *gin.Context) auth.Reader {
	value, _ := c.Get(readerContextKey)
	reader, _ := value.(auth.Reader)
	return reader
}

// registerBindings teaches gin's validator the book_type tag.
func registerBindings() error {
	var err error
	registerBindingsOnce.Do(func() {
		engine, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			err = errors.New("unexpected binding validator engine")
			return
		}
		err = engine.RegisterValidation("book_type", func(fl validator.FieldLevel) bool {
			_, parseErr := catalog.ParseBookType(fl.Field().String())
			return parseErr == nil
		})
	})
	return err
}
